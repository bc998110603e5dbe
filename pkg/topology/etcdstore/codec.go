package etcdstore

import (
	"encoding/json"

	"github.com/pingcap/errors"

	"github.com/tachyon-project/tachyon/model"
)

// Key layout under the store prefix:
//
//	providers/<uuid> -> providerRecord
//	consumers/<uuid> -> consumerRecord
//	classes/<name>   -> model.ResourceClass
//	traits/<name>    -> model.Trait
//	projects/<id>    -> empty
//	users/<id>       -> empty
const (
	providerKeyspace = "providers/"
	consumerKeyspace = "consumers/"
	classKeyspace    = "classes/"
	traitKeyspace    = "traits/"
	projectKeyspace  = "projects/"
	userKeyspace     = "users/"
)

// providerRecord bundles a provider with everything owned by it, so one key
// carries the whole generation-guarded unit.
type providerRecord struct {
	Provider    *model.ResourceProvider     `json:"provider"`
	Traits      []string                    `json:"traits,omitempty"`
	Aggregates  []string                    `json:"aggregates,omitempty"`
	Inventories map[string]*model.Inventory `json:"inventories,omitempty"`
}

// consumerRecord bundles a consumer with its allocations, the unit guarded
// by the consumer generation.
type consumerRecord struct {
	Consumer *model.Consumer `json:"consumer"`
	// Allocations maps provider uuid -> resource class -> used.
	Allocations map[string]map[string]int64 `json:"allocations,omitempty"`
}

func marshalRecord(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(raw), nil
}

func unmarshalRecord(raw []byte, v interface{}) error {
	return errors.Trace(json.Unmarshal(raw, v))
}
