package etcdstore

import (
	"sort"

	"github.com/tachyon-project/tachyon/model"
	"github.com/tachyon-project/tachyon/pkg/topology/graph"
)

// txn mutates the materialized snapshot while recording which entities were
// touched, so the commit can write exactly the dirty records and guard
// exactly their keys.
type txn struct {
	*graph.Snapshot
	// entity id -> deleted. A re-created entity flips back to false.
	providers map[string]bool
	consumers map[string]bool
	classes   map[string]bool
	traits    map[string]bool
	projects  map[string]struct{}
	users     map[string]struct{}
}

func newTxn(snap *graph.Snapshot) *txn {
	return &txn{
		Snapshot:  snap,
		providers: make(map[string]bool),
		consumers: make(map[string]bool),
		classes:   make(map[string]bool),
		traits:    make(map[string]bool),
		projects:  make(map[string]struct{}),
		users:     make(map[string]struct{}),
	}
}

func (t *txn) PutProvider(p *model.ResourceProvider) error {
	if err := t.Snapshot.PutProvider(p); err != nil {
		return err
	}
	t.providers[p.UUID] = false
	return nil
}

func (t *txn) DeleteProvider(uuid string) error {
	if err := t.Snapshot.DeleteProvider(uuid); err != nil {
		return err
	}
	t.providers[uuid] = true
	return nil
}

func (t *txn) SetProviderTraits(providerUUID string, traits []string) error {
	if err := t.Snapshot.SetProviderTraits(providerUUID, traits); err != nil {
		return err
	}
	t.providers[providerUUID] = false
	return nil
}

func (t *txn) SetProviderAggregates(providerUUID string, aggregates []string) error {
	if err := t.Snapshot.SetProviderAggregates(providerUUID, aggregates); err != nil {
		return err
	}
	t.providers[providerUUID] = false
	return nil
}

func (t *txn) SetInventories(providerUUID string, inventories map[string]*model.Inventory) error {
	if err := t.Snapshot.SetInventories(providerUUID, inventories); err != nil {
		return err
	}
	t.providers[providerUUID] = false
	return nil
}

func (t *txn) PutInventory(providerUUID string, inv *model.Inventory) error {
	if err := t.Snapshot.PutInventory(providerUUID, inv); err != nil {
		return err
	}
	t.providers[providerUUID] = false
	return nil
}

func (t *txn) DeleteInventory(providerUUID, className string) error {
	if err := t.Snapshot.DeleteInventory(providerUUID, className); err != nil {
		return err
	}
	t.providers[providerUUID] = false
	return nil
}

func (t *txn) PutResourceClass(rc *model.ResourceClass) error {
	if err := t.Snapshot.PutResourceClass(rc); err != nil {
		return err
	}
	t.classes[rc.Name] = false
	return nil
}

func (t *txn) DeleteResourceClass(name string) error {
	if err := t.Snapshot.DeleteResourceClass(name); err != nil {
		return err
	}
	t.classes[name] = true
	return nil
}

func (t *txn) PutTrait(tr *model.Trait) error {
	if err := t.Snapshot.PutTrait(tr); err != nil {
		return err
	}
	t.traits[tr.Name] = false
	return nil
}

func (t *txn) DeleteTrait(name string) error {
	if err := t.Snapshot.DeleteTrait(name); err != nil {
		return err
	}
	t.traits[name] = true
	return nil
}

func (t *txn) PutConsumer(c *model.Consumer) error {
	if err := t.Snapshot.PutConsumer(c); err != nil {
		return err
	}
	t.consumers[c.UUID] = false
	return nil
}

func (t *txn) DeleteConsumer(uuid string) error {
	if err := t.Snapshot.DeleteConsumer(uuid); err != nil {
		return err
	}
	t.consumers[uuid] = true
	return nil
}

func (t *txn) SetAllocations(consumerUUID string, allocations map[string]map[string]int64) error {
	if err := t.Snapshot.SetAllocations(consumerUUID, allocations); err != nil {
		return err
	}
	t.consumers[consumerUUID] = false
	return nil
}

func (t *txn) EnsureProject(externalID string) error {
	if err := t.Snapshot.EnsureProject(externalID); err != nil {
		return err
	}
	t.projects[externalID] = struct{}{}
	return nil
}

func (t *txn) EnsureUser(externalID string) error {
	if err := t.Snapshot.EnsureUser(externalID); err != nil {
		return err
	}
	t.users[externalID] = struct{}{}
	return nil
}

type pendingOp struct {
	delete bool
	value  string
}

// pendingOps serializes the dirty entities into per-key operations, in a
// deterministic key order.
func (t *txn) pendingOps() ([]string, []pendingOp, error) {
	byKey := make(map[string]pendingOp)
	for uuid, deleted := range t.providers {
		key := providerKeyspace + uuid
		if deleted {
			byKey[key] = pendingOp{delete: true}
			continue
		}
		rec, err := t.providerRecordOf(uuid)
		if err != nil {
			return nil, nil, err
		}
		raw, err := marshalRecord(rec)
		if err != nil {
			return nil, nil, err
		}
		byKey[key] = pendingOp{value: raw}
	}
	for uuid, deleted := range t.consumers {
		key := consumerKeyspace + uuid
		if deleted {
			byKey[key] = pendingOp{delete: true}
			continue
		}
		rec, err := t.consumerRecordOf(uuid)
		if err != nil {
			return nil, nil, err
		}
		raw, err := marshalRecord(rec)
		if err != nil {
			return nil, nil, err
		}
		byKey[key] = pendingOp{value: raw}
	}
	for name, deleted := range t.classes {
		key := classKeyspace + name
		if deleted {
			byKey[key] = pendingOp{delete: true}
			continue
		}
		rc, err := t.GetResourceClass(name)
		if err != nil {
			return nil, nil, err
		}
		raw, err := marshalRecord(rc)
		if err != nil {
			return nil, nil, err
		}
		byKey[key] = pendingOp{value: raw}
	}
	for name, deleted := range t.traits {
		key := traitKeyspace + name
		if deleted {
			byKey[key] = pendingOp{delete: true}
			continue
		}
		tr, err := t.GetTrait(name)
		if err != nil {
			return nil, nil, err
		}
		raw, err := marshalRecord(tr)
		if err != nil {
			return nil, nil, err
		}
		byKey[key] = pendingOp{value: raw}
	}
	for id := range t.projects {
		byKey[projectKeyspace+id] = pendingOp{value: ""}
	}
	for id := range t.users {
		byKey[userKeyspace+id] = pendingOp{value: ""}
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	ops := make([]pendingOp, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, byKey[key])
	}
	return keys, ops, nil
}

func (t *txn) providerRecordOf(uuid string) (*providerRecord, error) {
	p, err := t.GetProvider(uuid)
	if err != nil {
		return nil, err
	}
	traits, err := t.TraitsOf(uuid)
	if err != nil {
		return nil, err
	}
	aggs, err := t.AggregatesOf(uuid)
	if err != nil {
		return nil, err
	}
	invs, err := t.InventoriesOf(uuid)
	if err != nil {
		return nil, err
	}
	return &providerRecord{Provider: p, Traits: traits, Aggregates: aggs, Inventories: invs}, nil
}

func (t *txn) consumerRecordOf(uuid string) (*consumerRecord, error) {
	c, err := t.GetConsumer(uuid)
	if err != nil {
		return nil, err
	}
	allocs, err := t.AllocationsOf(uuid)
	if err != nil {
		return nil, err
	}
	byProvider := make(map[string]map[string]int64)
	for _, a := range allocs {
		if byProvider[a.ProviderUUID] == nil {
			byProvider[a.ProviderUUID] = make(map[string]int64)
		}
		byProvider[a.ProviderUUID][a.ResourceClass] = a.Used
	}
	return &consumerRecord{Consumer: c, Allocations: byProvider}, nil
}
