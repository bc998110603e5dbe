// Package memstore is the in-memory topology store. It is the reference
// backend for unit tests and for embedded single-process deployments.
//
// Transactions are copy-on-write: a transaction mutates a deep copy of the
// graph under the write lock and the copy is swapped in only when the
// transaction function returns nil. Readers see the last committed graph,
// which gives snapshot isolation for views and all-or-nothing semantics for
// writes.
package memstore

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/tachyon-project/tachyon/pkg/topology"
	"github.com/tachyon-project/tachyon/pkg/topology/graph"
)

// Store implements topology.Store.
type Store struct {
	mu       sync.RWMutex
	snap     *graph.Snapshot
	revision atomic.Int64
}

// New returns an empty store.
func New() *Store {
	return &Store{snap: graph.NewSnapshot()}
}

// Revision returns the number of committed transactions. Exposed for tests.
func (s *Store) Revision() int64 {
	return s.revision.Load()
}

// View implements topology.Store.
func (s *Store) View(ctx context.Context, fn func(v topology.View) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.snap)
}

// Txn implements topology.Store. Serializability comes from the exclusive
// lock, so a committed transaction can never observe ErrTxnConflict here.
func (s *Store) Txn(ctx context.Context, fn func(tx topology.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap.Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.snap = next
	s.revision.Inc()
	return nil
}

// Close implements topology.Store.
func (s *Store) Close() error {
	return nil
}
