// Package registry implements the resource-graph operations: provider
// lifecycle, inventory replacement, trait and aggregate membership, and
// resource-class/trait definitions. Every mutation reads the entity's
// current generation inside the transaction, verifies the caller's
// expectation and bumps it by exactly 1 on success.
package registry

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/pkg/topology"
)

// Registry exposes the mutating surface of the resource graph.
type Registry struct {
	store topology.Store
	clk   clock.Clock
}

// New creates a Registry over the given store.
func New(store topology.Store) *Registry {
	return NewWithClock(store, clock.New())
}

// NewWithClock lets tests control entity timestamps.
func NewWithClock(store topology.Store, clk clock.Clock) *Registry {
	return &Registry{store: store, clk: clk}
}

// Bootstrap seeds the standard resource classes and traits. Idempotent.
func (r *Registry) Bootstrap(ctx context.Context) error {
	return r.store.Txn(ctx, func(tx topology.Tx) error {
		for _, name := range model.StandardResourceClasses() {
			if err := tx.PutResourceClass(&model.ResourceClass{Name: name}); err != nil {
				return err
			}
		}
		for _, name := range model.StandardTraits() {
			if err := tx.PutTrait(&model.Trait{Name: name}); err != nil {
				return err
			}
		}
		return nil
	})
}

func checkProviderGeneration(p *model.ResourceProvider, expected int64) error {
	if p.Generation != expected {
		return derror.ErrProviderGenerationConflict.GenWithStackByArgs(p.UUID, expected, p.Generation)
	}
	return nil
}

// ProviderSpec describes a provider to create. UUID is generated when empty.
type ProviderSpec struct {
	UUID       string
	Name       string
	ParentUUID string
}

// CreateProvider creates a provider at generation 0.
func (r *Registry) CreateProvider(ctx context.Context, spec ProviderSpec) (*model.ResourceProvider, error) {
	if spec.Name == "" {
		return nil, derror.ErrMalformedRequest.GenWithStackByArgs("provider name must not be empty")
	}
	if spec.UUID == "" {
		spec.UUID = uuid.New().String()
	} else if _, err := uuid.Parse(spec.UUID); err != nil {
		return nil, derror.ErrMalformedRequest.GenWithStackByArgs("provider uuid is not a valid UUID")
	}
	now := r.clk.Now()
	p := &model.ResourceProvider{
		UUID:       spec.UUID,
		Name:       spec.Name,
		ParentUUID: spec.ParentUUID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := r.store.Txn(ctx, func(tx topology.Tx) error {
		if _, err := tx.GetProvider(spec.UUID); err == nil {
			return derror.ErrProviderAlreadyExists.GenWithStackByArgs(spec.UUID)
		}
		if _, err := tx.GetProviderByName(spec.Name); err == nil {
			return derror.ErrProviderAlreadyExists.GenWithStackByArgs(spec.Name)
		}
		if spec.ParentUUID != "" {
			if _, err := tx.GetProvider(spec.ParentUUID); err != nil {
				return err
			}
		}
		return tx.PutProvider(p)
	})
	if err != nil {
		return nil, err
	}
	log.L().Info("resource provider created",
		zap.String("uuid", p.UUID), zap.String("name", p.Name))
	return p, nil
}

// ProviderUpdate carries the mutable provider fields; nil means unchanged.
type ProviderUpdate struct {
	Name       *string
	ParentUUID *string
	Disabled   *bool
}

// UpdateProvider renames, re-parents or toggles a provider at the expected
// generation. Re-parenting under the provider's own subtree is rejected.
func (r *Registry) UpdateProvider(ctx context.Context, providerUUID string, generation int64, upd ProviderUpdate) (*model.ResourceProvider, error) {
	var out *model.ResourceProvider
	err := r.store.Txn(ctx, func(tx topology.Tx) error {
		p, err := tx.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		if err := checkProviderGeneration(p, generation); err != nil {
			return err
		}
		if upd.Name != nil && *upd.Name != p.Name {
			if other, err := tx.GetProviderByName(*upd.Name); err == nil && other.UUID != p.UUID {
				return derror.ErrProviderAlreadyExists.GenWithStackByArgs(*upd.Name)
			}
			p.Name = *upd.Name
		}
		if upd.ParentUUID != nil && *upd.ParentUUID != p.ParentUUID {
			if err := checkReparent(tx, p.UUID, *upd.ParentUUID); err != nil {
				return err
			}
			p.ParentUUID = *upd.ParentUUID
		}
		if upd.Disabled != nil {
			p.Disabled = *upd.Disabled
		}
		p.Generation++
		p.UpdatedAt = r.clk.Now()
		out = p
		return tx.PutProvider(p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func checkReparent(tx topology.Tx, providerUUID, newParent string) error {
	if newParent == "" {
		return nil
	}
	if newParent == providerUUID {
		return derror.ErrProviderLoop.GenWithStackByArgs(providerUUID, newParent)
	}
	if _, err := tx.GetProvider(newParent); err != nil {
		return err
	}
	ancestors, err := tx.AncestorsOf(newParent)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a.UUID == providerUUID {
			return derror.ErrProviderLoop.GenWithStackByArgs(providerUUID, newParent)
		}
	}
	return nil
}

// DeleteProvider removes a provider that has no child providers and no
// active allocations.
func (r *Registry) DeleteProvider(ctx context.Context, providerUUID string) error {
	return r.store.Txn(ctx, func(tx topology.Tx) error {
		children, err := tx.ChildrenOf(providerUUID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return derror.ErrProviderInUse.GenWithStackByArgs(providerUUID, "has child providers")
		}
		allocs, err := tx.AllocationsAgainst(providerUUID)
		if err != nil {
			return err
		}
		if len(allocs) > 0 {
			return derror.ErrProviderInUse.GenWithStackByArgs(providerUUID, "has active allocations")
		}
		return tx.DeleteProvider(providerUUID)
	})
}

// GetProvider returns one provider by UUID.
func (r *Registry) GetProvider(ctx context.Context, providerUUID string) (*model.ResourceProvider, error) {
	var out *model.ResourceProvider
	err := r.store.View(ctx, func(v topology.View) error {
		p, err := v.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// ProviderFilter narrows ListProviders. Zero values mean "no constraint".
type ProviderFilter struct {
	Name string
	UUID string
	// InTree keeps only providers sharing a tree with the given provider.
	InTree string
	// MemberOf keeps providers belonging to at least one listed aggregate.
	MemberOf []string
	// Resources keeps providers with available capacity for every entry.
	Resources map[string]int64
}

// ListProviders returns providers matching the filter, sorted by UUID.
func (r *Registry) ListProviders(ctx context.Context, filter *ProviderFilter) ([]*model.ResourceProvider, error) {
	var out []*model.ResourceProvider
	err := r.store.View(ctx, func(v topology.View) error {
		all, err := v.ListProviders()
		if err != nil {
			return err
		}
		var treeRoot string
		if filter != nil && filter.InTree != "" {
			root, err := v.RootOf(filter.InTree)
			if err != nil {
				return err
			}
			treeRoot = root.UUID
		}
		for _, p := range all {
			if filter != nil {
				if filter.Name != "" && p.Name != filter.Name {
					continue
				}
				if filter.UUID != "" && p.UUID != filter.UUID {
					continue
				}
				if treeRoot != "" {
					root, err := v.RootOf(p.UUID)
					if err != nil {
						return err
					}
					if root.UUID != treeRoot {
						continue
					}
				}
				if len(filter.MemberOf) > 0 {
					member, err := inAnyAggregate(v, p.UUID, filter.MemberOf)
					if err != nil {
						return err
					}
					if !member {
						continue
					}
				}
				if len(filter.Resources) > 0 {
					fits, err := hasCapacityForAll(v, p.UUID, filter.Resources)
					if err != nil {
						return err
					}
					if !fits {
						continue
					}
				}
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func inAnyAggregate(v topology.View, providerUUID string, aggs []string) (bool, error) {
	mine, err := v.AggregatesOf(providerUUID)
	if err != nil {
		return false, err
	}
	set := make(map[string]struct{}, len(mine))
	for _, agg := range mine {
		set[agg] = struct{}{}
	}
	for _, agg := range aggs {
		if _, ok := set[agg]; ok {
			return true, nil
		}
	}
	return false, nil
}

func hasCapacityForAll(v topology.View, providerUUID string, resources map[string]int64) (bool, error) {
	invs, err := v.InventoriesOf(providerUUID)
	if err != nil {
		return false, err
	}
	usages, err := v.UsagesOf(providerUUID)
	if err != nil {
		return false, err
	}
	for rc, amount := range resources {
		inv, ok := invs[rc]
		if !ok || !inv.HasCapacityFor(amount, usages[rc]) {
			return false, nil
		}
	}
	return true, nil
}

// Usages returns sum(used) per resource class on one provider.
func (r *Registry) Usages(ctx context.Context, providerUUID string) (map[string]int64, error) {
	var out map[string]int64
	err := r.store.View(ctx, func(v topology.View) error {
		usages, err := v.UsagesOf(providerUUID)
		if err != nil {
			return err
		}
		out = usages
		return nil
	})
	return out, err
}

// ProjectUsages returns sum(used) per resource class across every consumer
// owned by the project, optionally narrowed to one user.
func (r *Registry) ProjectUsages(ctx context.Context, projectID, userID string) (map[string]int64, error) {
	var out map[string]int64
	err := r.store.View(ctx, func(v topology.View) error {
		usages, err := v.ProjectUsages(projectID, userID)
		if err != nil {
			return err
		}
		out = usages
		return nil
	})
	return out, err
}
