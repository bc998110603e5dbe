// Package etcdstore is the etcd-backed topology store. Each transaction
// materializes the keyspace into a graph.Snapshot, lets the caller mutate
// it, and commits the dirty records in one etcd transaction guarded by a
// range compare against the snapshot revision. A racing writer anywhere in
// the keyspace makes the commit fail with ErrTxnConflict and no state
// change, so transactions are serializable.
package etcdstore

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/pkg/topology"
	"github.com/tachyon-project/tachyon/pkg/topology/graph"
)

const defaultPrefix = "/tachyon/"

// Config carries the etcd connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	// Prefix namespaces all keys; defaults to "/tachyon/".
	Prefix string
}

// Store implements topology.Store on etcd.
type Store struct {
	cli    *clientv3.Client
	prefix string
}

// New dials etcd and returns the store.
func New(conf Config) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout,
		Username:    conf.Username,
		Password:    conf.Password,
	})
	if err != nil {
		return nil, derror.ErrStoreOpFail.Wrap(err).GenWithStackByArgs()
	}
	return NewWithClient(cli, conf.Prefix), nil
}

// NewWithClient wraps an existing client, mainly for tests against an
// embedded server.
func NewWithClient(cli *clientv3.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{cli: cli, prefix: prefix}
}

// load reads the whole keyspace in one range request (a single consistent
// snapshot) and materializes it. It also returns the store revision the
// snapshot was taken at for the commit-time guard.
func (s *Store) load(ctx context.Context) (*graph.Snapshot, int64, error) {
	resp, err := s.cli.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, derror.ErrStoreOpFail.Wrap(err).GenWithStackByArgs()
	}
	snap := graph.NewSnapshot()
	for _, kv := range resp.Kvs {
		key := strings.TrimPrefix(string(kv.Key), s.prefix)
		if err := s.decodeInto(snap, key, kv.Value); err != nil {
			return nil, 0, err
		}
	}
	return snap, resp.Header.Revision, nil
}

func (s *Store) decodeInto(snap *graph.Snapshot, key string, value []byte) error {
	switch {
	case strings.HasPrefix(key, providerKeyspace):
		var rec providerRecord
		if err := unmarshalRecord(value, &rec); err != nil {
			return err
		}
		if err := snap.PutProvider(rec.Provider); err != nil {
			return err
		}
		if err := snap.SetProviderTraits(rec.Provider.UUID, rec.Traits); err != nil {
			return err
		}
		if err := snap.SetProviderAggregates(rec.Provider.UUID, rec.Aggregates); err != nil {
			return err
		}
		return snap.SetInventories(rec.Provider.UUID, rec.Inventories)
	case strings.HasPrefix(key, consumerKeyspace):
		var rec consumerRecord
		if err := unmarshalRecord(value, &rec); err != nil {
			return err
		}
		if err := snap.PutConsumer(rec.Consumer); err != nil {
			return err
		}
		return snap.SetAllocations(rec.Consumer.UUID, rec.Allocations)
	case strings.HasPrefix(key, classKeyspace):
		var rc model.ResourceClass
		if err := unmarshalRecord(value, &rc); err != nil {
			return err
		}
		return snap.PutResourceClass(&rc)
	case strings.HasPrefix(key, traitKeyspace):
		var t model.Trait
		if err := unmarshalRecord(value, &t); err != nil {
			return err
		}
		return snap.PutTrait(&t)
	case strings.HasPrefix(key, projectKeyspace):
		return snap.EnsureProject(strings.TrimPrefix(key, projectKeyspace))
	case strings.HasPrefix(key, userKeyspace):
		return snap.EnsureUser(strings.TrimPrefix(key, userKeyspace))
	}
	// Unknown keyspaces under the prefix are ignored for forward
	// compatibility.
	return nil
}

// View implements topology.Store.
func (s *Store) View(ctx context.Context, fn func(v topology.View) error) error {
	snap, _, err := s.load(ctx)
	if err != nil {
		return err
	}
	return fn(snap)
}

// Txn implements topology.Store.
func (s *Store) Txn(ctx context.Context, fn func(tx topology.Tx) error) error {
	snap, rev, err := s.load(ctx)
	if err != nil {
		return err
	}
	t := newTxn(snap)
	if err := fn(t); err != nil {
		return err
	}
	return s.commit(ctx, t, rev)
}

// commit writes the dirty records in one etcd transaction. The whole
// keyspace is guarded by a range compare against the snapshot revision:
// any key modified (or created) under the prefix after the load makes the
// compare fail and aborts the commit. Guarding only the written keys would
// leave read-validate-write invariants, name uniqueness among them, open
// to write skew from a writer touching different keys.
func (s *Store) commit(ctx context.Context, t *txn, rev int64) error {
	keys, ops, err := t.pendingOps()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	guard := clientv3.Compare(clientv3.ModRevision(s.prefix), "<", rev+1).
		WithRange(clientv3.GetPrefixRangeEnd(s.prefix))
	etcdOps := make([]clientv3.Op, 0, len(ops))
	for i, key := range keys {
		full := s.prefix + key
		op := ops[i]
		if op.delete {
			etcdOps = append(etcdOps, clientv3.OpDelete(full))
		} else {
			etcdOps = append(etcdOps, clientv3.OpPut(full, op.value))
		}
	}
	resp, err := s.cli.Txn(ctx).If(guard).Then(etcdOps...).Commit()
	if err != nil {
		return derror.ErrStoreOpFail.Wrap(err).GenWithStackByArgs()
	}
	if !resp.Succeeded {
		return derror.ErrTxnConflict.GenWithStackByArgs()
	}
	return nil
}

// Close implements topology.Store.
func (s *Store) Close() error {
	return s.cli.Close()
}
