package registry

import (
	"context"

	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/pkg/topology"
)

// SetInventories replaces the provider's whole inventory set at the
// expected generation. Removing a class that still has active allocations
// is rejected.
func (r *Registry) SetInventories(ctx context.Context, providerUUID string, generation int64, inventories map[string]*model.Inventory) (*model.ResourceProvider, error) {
	var out *model.ResourceProvider
	err := r.store.Txn(ctx, func(tx topology.Tx) error {
		p, err := tx.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		if err := checkProviderGeneration(p, generation); err != nil {
			return err
		}
		prepared := make(map[string]*model.Inventory, len(inventories))
		for rc, inv := range inventories {
			cp := *inv
			cp.ResourceClass = rc
			if err := prepareInventory(tx, &cp); err != nil {
				return err
			}
			prepared[rc] = &cp
		}
		if err := checkRemovedInventories(tx, providerUUID, prepared); err != nil {
			return err
		}
		if err := tx.SetInventories(providerUUID, prepared); err != nil {
			return err
		}
		return r.bumpProvider(tx, p, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutInventory upserts a single class's inventory at the expected
// generation.
func (r *Registry) PutInventory(ctx context.Context, providerUUID string, generation int64, inv *model.Inventory) (*model.ResourceProvider, error) {
	var out *model.ResourceProvider
	err := r.store.Txn(ctx, func(tx topology.Tx) error {
		p, err := tx.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		if err := checkProviderGeneration(p, generation); err != nil {
			return err
		}
		cp := *inv
		if err := prepareInventory(tx, &cp); err != nil {
			return err
		}
		if err := tx.PutInventory(providerUUID, &cp); err != nil {
			return err
		}
		return r.bumpProvider(tx, p, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteInventory removes a single class's inventory at the expected
// generation; it fails while allocations are held against it.
func (r *Registry) DeleteInventory(ctx context.Context, providerUUID string, generation int64, className string) (*model.ResourceProvider, error) {
	var out *model.ResourceProvider
	err := r.store.Txn(ctx, func(tx topology.Tx) error {
		p, err := tx.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		if err := checkProviderGeneration(p, generation); err != nil {
			return err
		}
		usages, err := tx.UsagesOf(providerUUID)
		if err != nil {
			return err
		}
		if usages[className] > 0 {
			return derror.ErrInventoryInUse.GenWithStackByArgs(className, providerUUID)
		}
		if err := tx.DeleteInventory(providerUUID, className); err != nil {
			return err
		}
		return r.bumpProvider(tx, p, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Inventories returns the provider's inventories plus its current
// generation, so callers can chain a guarded write.
func (r *Registry) Inventories(ctx context.Context, providerUUID string) (map[string]*model.Inventory, int64, error) {
	var (
		out map[string]*model.Inventory
		gen int64
	)
	err := r.store.View(ctx, func(v topology.View) error {
		p, err := v.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		invs, err := v.InventoriesOf(providerUUID)
		if err != nil {
			return err
		}
		out, gen = invs, p.Generation
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, gen, nil
}

// prepareInventory applies defaults, validates the record and makes sure
// the resource class exists, creating custom classes on first use.
func prepareInventory(tx topology.Tx, inv *model.Inventory) error {
	if err := model.ValidateResourceClassName(inv.ResourceClass); err != nil {
		return err
	}
	inv.ApplyDefaults()
	if err := inv.Validate(); err != nil {
		return err
	}
	if _, err := tx.GetResourceClass(inv.ResourceClass); err != nil {
		if !derror.IsNotFound(err) {
			return err
		}
		return tx.PutResourceClass(&model.ResourceClass{Name: inv.ResourceClass})
	}
	return nil
}

func checkRemovedInventories(tx topology.Tx, providerUUID string, next map[string]*model.Inventory) error {
	current, err := tx.InventoriesOf(providerUUID)
	if err != nil {
		return err
	}
	usages, err := tx.UsagesOf(providerUUID)
	if err != nil {
		return err
	}
	for rc := range current {
		if _, kept := next[rc]; !kept && usages[rc] > 0 {
			return derror.ErrInventoryInUse.GenWithStackByArgs(rc, providerUUID)
		}
	}
	return nil
}

func (r *Registry) bumpProvider(tx topology.Tx, p *model.ResourceProvider, out **model.ResourceProvider) error {
	p.Generation++
	p.UpdatedAt = r.clk.Now()
	if out != nil {
		*out = p
	}
	return tx.PutProvider(p)
}
