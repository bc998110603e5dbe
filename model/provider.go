package model

import "time"

// ResourceProvider is an entity offering one or more countable resource
// classes. Providers form a forest: a provider has at most one parent and
// tree membership is derived by ancestor traversal.
type ResourceProvider struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	// Generation increases by exactly 1 per successful mutation of the
	// provider or anything it owns (inventories, traits, aggregates).
	Generation int64 `json:"generation"`
	// ParentUUID is empty for root providers.
	ParentUUID string `json:"parent_uuid,omitempty"`
	// Disabled providers are skipped by candidate search.
	Disabled  bool      `json:"disabled,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot tells whether the provider has no parent.
func (p *ResourceProvider) IsRoot() bool {
	return p.ParentUUID == ""
}

// Aggregate is a named grouping of resource providers, used for scoping
// filters and for sharing-provider discovery. Aggregates spring into
// existence on first reference and carry no state of their own.
type Aggregate struct {
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
}
