// Package topology defines the contract between the placement core and the
// durable store of the resource-provider graph. The search engine and the
// writers depend only on these interfaces; backends (in-memory, etcd) plug
// in underneath.
package topology

import (
	"context"

	"github.com/tachyon-project/tachyon/model"
)

// View is the read side of one transaction or read-only snapshot. All
// traversal primitives the candidate search needs are named operations here
// so the engine stays independent of any query language.
type View interface {
	// GetProvider returns ErrProviderNotFound when uuid is unknown.
	GetProvider(uuid string) (*model.ResourceProvider, error)
	GetProviderByName(name string) (*model.ResourceProvider, error)
	ListProviders() ([]*model.ResourceProvider, error)
	// ChildrenOf returns the direct children of a provider.
	ChildrenOf(uuid string) ([]*model.ResourceProvider, error)
	// AncestorsOf returns the ancestors of a provider, nearest first,
	// excluding the provider itself.
	AncestorsOf(uuid string) ([]*model.ResourceProvider, error)
	// RootOf returns the root of the tree containing the provider.
	RootOf(uuid string) (*model.ResourceProvider, error)
	// ProvidersInTree returns every provider in the tree rooted at root,
	// including the root itself.
	ProvidersInTree(rootUUID string) ([]*model.ResourceProvider, error)

	GetResourceClass(name string) (*model.ResourceClass, error)
	ListResourceClasses() ([]*model.ResourceClass, error)

	GetTrait(name string) (*model.Trait, error)
	ListTraits() ([]*model.Trait, error)
	// TraitsOf returns the trait names attached to a provider.
	TraitsOf(providerUUID string) ([]string, error)
	// ProvidersWithTrait returns the UUIDs of providers carrying the trait.
	ProvidersWithTrait(name string) ([]string, error)

	// AggregatesOf returns the aggregate UUIDs a provider is a member of.
	AggregatesOf(providerUUID string) ([]string, error)
	// MembersOf returns the provider UUIDs belonging to an aggregate.
	MembersOf(aggregateUUID string) ([]string, error)

	// InventoriesOf returns the inventories of a provider keyed by class.
	InventoriesOf(providerUUID string) (map[string]*model.Inventory, error)
	GetInventory(providerUUID, className string) (*model.Inventory, error)
	// UsagesOf returns sum(used) per resource class on a provider.
	UsagesOf(providerUUID string) (map[string]int64, error)
	// ProjectUsages returns sum(used) per resource class over all consumers
	// owned by a project, optionally narrowed to one user.
	ProjectUsages(projectID, userID string) (map[string]int64, error)

	GetConsumer(uuid string) (*model.Consumer, error)
	AllocationsOf(consumerUUID string) ([]*model.Allocation, error)
	AllocationsAgainst(providerUUID string) ([]*model.Allocation, error)
}

// Tx is the write side. Mutations become visible atomically when the
// transaction commits; any error aborts the whole transaction with no state
// change visible. Generation checks are performed by the callers (they read
// the entity through the same Tx before writing it) and are made safe by the
// store's transactional isolation.
type Tx interface {
	View

	PutProvider(p *model.ResourceProvider) error
	// DeleteProvider removes the provider together with its trait set,
	// aggregate memberships and inventories. Dependent checks (children,
	// allocations) belong to the caller.
	DeleteProvider(uuid string) error

	SetProviderTraits(providerUUID string, traits []string) error
	SetProviderAggregates(providerUUID string, aggregates []string) error

	SetInventories(providerUUID string, inventories map[string]*model.Inventory) error
	PutInventory(providerUUID string, inv *model.Inventory) error
	DeleteInventory(providerUUID, className string) error

	PutResourceClass(rc *model.ResourceClass) error
	DeleteResourceClass(name string) error
	PutTrait(t *model.Trait) error
	DeleteTrait(name string) error

	PutConsumer(c *model.Consumer) error
	// DeleteConsumer removes the consumer and all of its allocations.
	DeleteConsumer(uuid string) error
	// SetAllocations replaces the consumer's entire allocation set.
	SetAllocations(consumerUUID string, allocations map[string]map[string]int64) error

	EnsureProject(externalID string) error
	EnsureUser(externalID string) error
}

// Store is a durable, transactional store of the resource graph.
//
// View runs fn against a consistent snapshot. Txn runs fn against a
// snapshot and commits its mutations atomically iff fn returns nil; a
// backend may also abort the commit with ErrTxnConflict when a concurrent
// writer has raced it, in which case no state change is visible and the
// caller may retry.
type Store interface {
	View(ctx context.Context, fn func(v View) error) error
	Txn(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
