package model

import (
	"regexp"
	"time"

	derror "github.com/tachyon-project/tachyon/pkg/errors"
)

// Consumer is an entity claiming allocations against resource providers.
// The set of a consumer's allocations is its full resource claim; a consumer
// with zero allocations must not persist.
type Consumer struct {
	UUID       string `json:"uuid"`
	Generation int64  `json:"generation"`
	// Type is an optional caller-defined classification, e.g. "INSTANCE".
	Type      string    `json:"type,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var consumerTypeRE = regexp.MustCompile(`^[A-Z0-9_]+$`)

// ValidateConsumerType checks an optional consumer type string.
func ValidateConsumerType(tp string) error {
	if tp == "" {
		return nil
	}
	if !consumerTypeRE.MatchString(tp) {
		return derror.ErrInvalidConsumerType.GenWithStackByArgs(tp)
	}
	return nil
}

// Allocation ties one consumer to one inventory with a used amount.
type Allocation struct {
	ConsumerUUID  string `json:"consumer_uuid"`
	ProviderUUID  string `json:"provider_uuid"`
	ResourceClass string `json:"resource_class"`
	Used          int64  `json:"used"`
}

// Project owns consumers; unique by external id.
type Project struct {
	ExternalID string `json:"external_id"`
}

// User creates consumers; unique by external id.
type User struct {
	ExternalID string `json:"external_id"`
}
