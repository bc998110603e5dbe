package allocation

import (
	"context"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/pkg/topology"
)

// InventoryReshape is the replacement inventory set for one provider,
// guarded by the provider's generation.
type InventoryReshape struct {
	Generation int64
	// Inventories maps resource class -> inventory; the set replaces the
	// provider's inventories wholesale.
	Inventories map[string]*model.Inventory
}

// Reshape atomically rewrites provider inventories and consumer allocations
// in one transaction. Unlike SetInventories, removing an inventory that
// currently has usage is allowed as long as the allocation rewrite moves
// that usage elsewhere: consistency is checked once at the end, after both
// phases have been applied.
func (w *Writer) Reshape(ctx context.Context, inventories map[string]InventoryReshape, batch []ConsumerAllocations) error {
	err := w.store.Txn(ctx, func(tx topology.Tx) error {
		for providerUUID, reshape := range inventories {
			if err := w.reshapeProvider(tx, providerUUID, &reshape); err != nil {
				return err
			}
		}
		for i := range batch {
			if err := w.applyReshaped(tx, &batch[i]); err != nil {
				return err
			}
		}
		// The consistency pass covers every provider the transaction
		// touched: reshaped ones and any the batch allocated against.
		touched := make(map[string]struct{}, len(inventories))
		for providerUUID := range inventories {
			touched[providerUUID] = struct{}{}
		}
		for i := range batch {
			for providerUUID := range batch[i].Allocations {
				touched[providerUUID] = struct{}{}
			}
		}
		for providerUUID := range touched {
			if err := checkUsageCovered(tx, providerUUID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.L().Info("reshape committed",
		zap.Int("providers", len(inventories)),
		zap.Int("consumers", len(batch)))
	return nil
}

func (w *Writer) reshapeProvider(tx topology.Tx, providerUUID string, reshape *InventoryReshape) error {
	p, err := tx.GetProvider(providerUUID)
	if err != nil {
		return err
	}
	if reshape.Generation != p.Generation {
		return derror.ErrProviderGenerationConflict.GenWithStackByArgs(providerUUID, reshape.Generation, p.Generation)
	}
	prepared := make(map[string]*model.Inventory, len(reshape.Inventories))
	for rc, inv := range reshape.Inventories {
		cp := *inv
		cp.ResourceClass = rc
		if err := model.ValidateResourceClassName(rc); err != nil {
			return err
		}
		cp.ApplyDefaults()
		if err := cp.Validate(); err != nil {
			return err
		}
		if _, err := tx.GetResourceClass(rc); err != nil {
			if !derror.IsNotFound(err) {
				return err
			}
			if err := tx.PutResourceClass(&model.ResourceClass{Name: rc}); err != nil {
				return err
			}
		}
		prepared[rc] = &cp
	}
	if err := tx.SetInventories(providerUUID, prepared); err != nil {
		return err
	}
	p.Generation++
	p.UpdatedAt = w.clk.Now()
	return tx.PutProvider(p)
}

// applyReshaped is applyOne minus the inventory-existence check, which the
// final consistency pass performs instead. During a reshape an allocation
// may legally target an inventory created in the same transaction on a
// provider whose old inventory set is already gone.
func (w *Writer) applyReshaped(tx topology.Tx, entry *ConsumerAllocations) error {
	for providerUUID, amounts := range entry.Allocations {
		if _, err := tx.GetProvider(providerUUID); err != nil {
			return err
		}
		for rc, amount := range amounts {
			if amount < 1 {
				return derror.ErrInvalidAmount.GenWithStackByArgs(amount, rc)
			}
		}
	}
	if len(entry.Allocations) == 0 {
		return w.release(tx, &entry.Consumer)
	}
	consumer, err := w.ensureConsumer(tx, &entry.Consumer)
	if err != nil {
		return err
	}
	consumer.Generation++
	consumer.UpdatedAt = w.clk.Now()
	// The consumer record must exist before allocations can attach to it.
	if err := tx.PutConsumer(consumer); err != nil {
		return err
	}
	return tx.SetAllocations(consumer.UUID, entry.Allocations)
}

// checkUsageCovered verifies that after the reshape every class with usage
// on the provider still has an inventory backing it.
func checkUsageCovered(tx topology.Tx, providerUUID string) error {
	usages, err := tx.UsagesOf(providerUUID)
	if err != nil {
		return err
	}
	for rc, used := range usages {
		if used <= 0 {
			continue
		}
		if _, err := tx.GetInventory(providerUUID, rc); err != nil {
			if derror.IsNotFound(err) {
				return derror.ErrInventoryNotFound.GenWithStackByArgs(rc, providerUUID)
			}
			return err
		}
	}
	return nil
}
