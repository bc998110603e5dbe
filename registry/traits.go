package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/pkg/topology"
)

// SetTraits replaces the provider's trait set at the expected generation.
// Every trait must already be defined (standard or created custom trait).
func (r *Registry) SetTraits(ctx context.Context, providerUUID string, generation int64, traits []string) (*model.ResourceProvider, error) {
	var out *model.ResourceProvider
	err := r.store.Txn(ctx, func(tx topology.Tx) error {
		p, err := tx.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		if err := checkProviderGeneration(p, generation); err != nil {
			return err
		}
		for _, name := range traits {
			if _, err := tx.GetTrait(name); err != nil {
				if derror.IsNotFound(err) {
					return derror.ErrUnknownTrait.GenWithStackByArgs(name)
				}
				return err
			}
		}
		if err := tx.SetProviderTraits(providerUUID, traits); err != nil {
			return err
		}
		return r.bumpProvider(tx, p, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Traits returns the provider's trait set plus its current generation.
func (r *Registry) Traits(ctx context.Context, providerUUID string) ([]string, int64, error) {
	var (
		out []string
		gen int64
	)
	err := r.store.View(ctx, func(v topology.View) error {
		p, err := v.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		traits, err := v.TraitsOf(providerUUID)
		if err != nil {
			return err
		}
		out, gen = traits, p.Generation
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, gen, nil
}

// SetAggregates replaces the provider's aggregate memberships at the
// expected generation. Aggregates spring into existence on first reference;
// duplicate entries are rejected.
func (r *Registry) SetAggregates(ctx context.Context, providerUUID string, generation int64, aggregates []string) (*model.ResourceProvider, error) {
	seen := make(map[string]struct{}, len(aggregates))
	for _, agg := range aggregates {
		if _, err := uuid.Parse(agg); err != nil {
			return nil, derror.ErrMalformedRequest.GenWithStackByArgs("aggregate id is not a valid UUID")
		}
		if _, dup := seen[agg]; dup {
			return nil, derror.ErrDuplicateAggregate.GenWithStackByArgs(agg)
		}
		seen[agg] = struct{}{}
	}
	var out *model.ResourceProvider
	err := r.store.Txn(ctx, func(tx topology.Tx) error {
		p, err := tx.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		if err := checkProviderGeneration(p, generation); err != nil {
			return err
		}
		if err := tx.SetProviderAggregates(providerUUID, aggregates); err != nil {
			return err
		}
		return r.bumpProvider(tx, p, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Aggregates returns the provider's aggregate memberships plus its current
// generation.
func (r *Registry) Aggregates(ctx context.Context, providerUUID string) ([]string, int64, error) {
	var (
		out []string
		gen int64
	)
	err := r.store.View(ctx, func(v topology.View) error {
		p, err := v.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		aggs, err := v.AggregatesOf(providerUUID)
		if err != nil {
			return err
		}
		out, gen = aggs, p.Generation
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, gen, nil
}

// CreateResourceClass defines a new custom resource class.
func (r *Registry) CreateResourceClass(ctx context.Context, name string) error {
	if model.IsStandardResourceClass(name) {
		return derror.ErrStandardEntityImmutable.GenWithStackByArgs(name)
	}
	if err := model.ValidateResourceClassName(name); err != nil {
		return err
	}
	return r.store.Txn(ctx, func(tx topology.Tx) error {
		if _, err := tx.GetResourceClass(name); err == nil {
			return derror.ErrResourceClassAlreadyExists.GenWithStackByArgs(name)
		}
		return tx.PutResourceClass(&model.ResourceClass{Name: name})
	})
}

// DeleteResourceClass removes a custom resource class that no inventory
// references.
func (r *Registry) DeleteResourceClass(ctx context.Context, name string) error {
	if model.IsStandardResourceClass(name) {
		return derror.ErrStandardEntityImmutable.GenWithStackByArgs(name)
	}
	return r.store.Txn(ctx, func(tx topology.Tx) error {
		if _, err := tx.GetResourceClass(name); err != nil {
			return err
		}
		providers, err := tx.ListProviders()
		if err != nil {
			return err
		}
		for _, p := range providers {
			if _, err := tx.GetInventory(p.UUID, name); err == nil {
				return derror.ErrResourceClassInUse.GenWithStackByArgs(name)
			}
		}
		return tx.DeleteResourceClass(name)
	})
}

// CreateTrait defines a new custom trait.
func (r *Registry) CreateTrait(ctx context.Context, name string) error {
	if model.IsStandardTrait(name) {
		return derror.ErrStandardEntityImmutable.GenWithStackByArgs(name)
	}
	if err := model.ValidateTraitName(name); err != nil {
		return err
	}
	return r.store.Txn(ctx, func(tx topology.Tx) error {
		if _, err := tx.GetTrait(name); err == nil {
			return derror.ErrTraitAlreadyExists.GenWithStackByArgs(name)
		}
		return tx.PutTrait(&model.Trait{Name: name})
	})
}

// DeleteTrait removes a custom trait that no provider carries.
func (r *Registry) DeleteTrait(ctx context.Context, name string) error {
	if model.IsStandardTrait(name) {
		return derror.ErrStandardEntityImmutable.GenWithStackByArgs(name)
	}
	return r.store.Txn(ctx, func(tx topology.Tx) error {
		if _, err := tx.GetTrait(name); err != nil {
			return err
		}
		carriers, err := tx.ProvidersWithTrait(name)
		if err != nil {
			return err
		}
		if len(carriers) > 0 {
			return derror.ErrTraitInUse.GenWithStackByArgs(name)
		}
		return tx.DeleteTrait(name)
	})
}
