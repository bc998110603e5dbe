// Package allocation implements the transactional allocation writer: the
// only component that mutates consumer usage. Every batch commits
// atomically and is guarded by consumer generations.
package allocation

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/pkg/topology"
)

// DefaultConsumerType is assumed when a spec does not name one.
const DefaultConsumerType = "UNKNOWN"

// Writer applies allocation batches against a store.
type Writer struct {
	store topology.Store
	clk   clock.Clock
}

// NewWriter creates a Writer over the given store.
func NewWriter(store topology.Store) *Writer {
	return NewWriterWithClock(store, clock.New())
}

// NewWriterWithClock is NewWriter with an injectable clock.
func NewWriterWithClock(store topology.Store, clk clock.Clock) *Writer {
	return &Writer{store: store, clk: clk}
}

// ConsumerSpec identifies the consumer of a batch entry. A nil Generation
// asserts the consumer must not exist yet; a non-nil one must match the
// consumer's current generation, with absent consumers counting as
// generation zero.
type ConsumerSpec struct {
	UUID       string
	Generation *int64
	Type       string
	ProjectID  string
	UserID     string
}

// ConsumerAllocations is one entry of a batch: the consumer's complete
// replacement allocation set. An empty set releases the consumer.
type ConsumerAllocations struct {
	Consumer ConsumerSpec
	// Allocations maps provider uuid -> resource class -> amount.
	Allocations map[string]map[string]int64
}

// Set applies the whole batch in one transaction. Either every entry takes
// effect or none does.
func (w *Writer) Set(ctx context.Context, batch []ConsumerAllocations) error {
	err := w.store.Txn(ctx, func(tx topology.Tx) error {
		for i := range batch {
			if err := w.applyOne(tx, &batch[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.L().Info("allocation batch committed", zap.Int("consumers", len(batch)))
	return nil
}

func (w *Writer) applyOne(tx topology.Tx, entry *ConsumerAllocations) error {
	if err := validateAmounts(tx, entry.Allocations); err != nil {
		return err
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

// ensureConsumer loads or creates the consumer and enforces the generation
// guard. A consumer that does not exist yet counts as generation zero, so
// create-or-update callers can pass zero without probing first. Type and
// project/user ownership supplied by the spec are merged onto an existing
// record on every write.
func (w *Writer) ensureConsumer(tx topology.Tx, spec *ConsumerSpec) (*model.Consumer, error) {
	ctype := spec.Type
	if ctype == "" {
		ctype = DefaultConsumerType
	}
	if err := model.ValidateConsumerType(ctype); err != nil {
		return nil, err
	}
	existing, err := tx.GetConsumer(spec.UUID)
	if err != nil && !derror.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		if spec.Generation == nil {
			return nil, derror.ErrConsumerAlreadyExists.GenWithStackByArgs(spec.UUID, existing.Generation)
		}
		if *spec.Generation != existing.Generation {
			return nil, derror.ErrConsumerGenerationConflict.GenWithStackByArgs(spec.UUID, *spec.Generation, existing.Generation)
		}
		if spec.Type != "" {
			existing.Type = ctype
		}
		if spec.ProjectID != "" && spec.ProjectID != existing.ProjectID {
			if err := tx.EnsureProject(spec.ProjectID); err != nil {
				return nil, err
			}
			existing.ProjectID = spec.ProjectID
		}
		if spec.UserID != "" && spec.UserID != existing.UserID {
			if err := tx.EnsureUser(spec.UserID); err != nil {
				return nil, err
			}
			existing.UserID = spec.UserID
		}
		return existing, nil
	}
	if spec.Generation != nil && *spec.Generation != 0 {
		return nil, derror.ErrConsumerGenerationConflict.GenWithStackByArgs(spec.UUID, *spec.Generation, 0)
	}
	if err := tx.EnsureProject(spec.ProjectID); err != nil {
		return nil, err
	}
	if err := tx.EnsureUser(spec.UserID); err != nil {
		return nil, err
	}
	now := w.clk.Now()
	consumer := &model.Consumer{
		UUID:      spec.UUID,
		Type:      ctype,
		ProjectID: spec.ProjectID,
		UserID:    spec.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return consumer, nil
}

// release removes the consumer and its allocations after the generation
// guard passes. Releasing an absent consumer is an error.
func (w *Writer) release(tx topology.Tx, spec *ConsumerSpec) error {
	consumer, err := tx.GetConsumer(spec.UUID)
	if err != nil {
		return err
	}
	if spec.Generation != nil && *spec.Generation != consumer.Generation {
		return derror.ErrConsumerGenerationConflict.GenWithStackByArgs(spec.UUID, *spec.Generation, consumer.Generation)
	}
	return tx.DeleteConsumer(spec.UUID)
}

// validateAmounts rejects non-positive amounts and allocations against
// providers or inventories that do not exist.
func validateAmounts(tx topology.Tx, allocations map[string]map[string]int64) error {
	for providerUUID, amounts := range allocations {
		if _, err := tx.GetProvider(providerUUID); err != nil {
			return err
		}
		for rc, amount := range amounts {
			if amount < 1 {
				return derror.ErrInvalidAmount.GenWithStackByArgs(amount, rc)
			}
			if _, err := tx.GetInventory(providerUUID, rc); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes the consumer and all of its allocations unconditionally.
func (w *Writer) Delete(ctx context.Context, consumerUUID string) error {
	return w.store.Txn(ctx, func(tx topology.Tx) error {
		if _, err := tx.GetConsumer(consumerUUID); err != nil {
			return err
		}
		return tx.DeleteConsumer(consumerUUID)
	})
}

// Get returns the consumer plus its current allocations.
func (w *Writer) Get(ctx context.Context, consumerUUID string) (*model.Consumer, []*model.Allocation, error) {
	var (
		consumer *model.Consumer
		allocs   []*model.Allocation
	)
	err := w.store.View(ctx, func(v topology.View) error {
		c, err := v.GetConsumer(consumerUUID)
		if err != nil {
			return err
		}
		a, err := v.AllocationsOf(consumerUUID)
		if err != nil {
			return err
		}
		consumer, allocs = c, a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return consumer, allocs, nil
}

// ListByProvider returns every allocation held against the provider, plus
// the provider's current generation so callers can key retries off it.
func (w *Writer) ListByProvider(ctx context.Context, providerUUID string) ([]*model.Allocation, int64, error) {
	var (
		allocs     []*model.Allocation
		generation int64
	)
	err := w.store.View(ctx, func(v topology.View) error {
		p, err := v.GetProvider(providerUUID)
		if err != nil {
			return err
		}
		a, err := v.AllocationsAgainst(providerUUID)
		if err != nil {
			return err
		}
		allocs, generation = a, p.Generation
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return allocs, generation, nil
}
