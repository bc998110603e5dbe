// Package graph holds the in-memory materialization of the resource graph
// that both store backends operate on: the memstore keeps one Snapshot as its
// whole state, the etcdstore decodes one from a keyspace snapshot per
// transaction.
package graph

import (
	"sort"

	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
)

// Snapshot is a fully materialized resource graph. It implements every read
// primitive of topology.View plus the mutation surface of topology.Tx;
// isolation and durability are the enclosing store's concern.
type Snapshot struct {
	providers map[string]*model.ResourceProvider
	byName    map[string]string // provider name -> uuid
	classes   map[string]*model.ResourceClass
	traits    map[string]*model.Trait
	// provider uuid -> set of trait names
	providerTraits map[string]map[string]struct{}
	// provider uuid -> set of aggregate uuids
	providerAggs map[string]map[string]struct{}
	// provider uuid -> resource class -> inventory
	inventories map[string]map[string]*model.Inventory
	consumers   map[string]*model.Consumer
	// consumer uuid -> provider uuid -> resource class -> used
	allocations map[string]map[string]map[string]int64
	projects    map[string]struct{}
	users       map[string]struct{}
}

// NewSnapshot returns an empty graph.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		providers:      make(map[string]*model.ResourceProvider),
		byName:         make(map[string]string),
		classes:        make(map[string]*model.ResourceClass),
		traits:         make(map[string]*model.Trait),
		providerTraits: make(map[string]map[string]struct{}),
		providerAggs:   make(map[string]map[string]struct{}),
		inventories:    make(map[string]map[string]*model.Inventory),
		consumers:      make(map[string]*model.Consumer),
		allocations:    make(map[string]map[string]map[string]int64),
		projects:       make(map[string]struct{}),
		users:          make(map[string]struct{}),
	}
}

// Clone deep-copies the graph. Used by the memstore to implement
// all-or-nothing transactions by mutating a copy and swapping on commit.
func (s *Snapshot) Clone() *Snapshot {
	n := NewSnapshot()
	for k, v := range s.providers {
		cp := *v
		n.providers[k] = &cp
	}
	for k, v := range s.byName {
		n.byName[k] = v
	}
	for k, v := range s.classes {
		cp := *v
		n.classes[k] = &cp
	}
	for k, v := range s.traits {
		cp := *v
		n.traits[k] = &cp
	}
	for k, set := range s.providerTraits {
		n.providerTraits[k] = copySet(set)
	}
	for k, set := range s.providerAggs {
		n.providerAggs[k] = copySet(set)
	}
	for k, invs := range s.inventories {
		m := make(map[string]*model.Inventory, len(invs))
		for rc, inv := range invs {
			cp := *inv
			m[rc] = &cp
		}
		n.inventories[k] = m
	}
	for k, v := range s.consumers {
		cp := *v
		n.consumers[k] = &cp
	}
	for c, perProvider := range s.allocations {
		m := make(map[string]map[string]int64, len(perProvider))
		for rp, perClass := range perProvider {
			mm := make(map[string]int64, len(perClass))
			for rc, used := range perClass {
				mm[rc] = used
			}
			m[rp] = mm
		}
		n.allocations[c] = m
	}
	for k := range s.projects {
		n.projects[k] = struct{}{}
	}
	for k := range s.users {
		n.users[k] = struct{}{}
	}
	return n
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ---- read side ----

func (s *Snapshot) GetProvider(uuid string) (*model.ResourceProvider, error) {
	p, ok := s.providers[uuid]
	if !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(uuid)
	}
	cp := *p
	return &cp, nil
}

func (s *Snapshot) GetProviderByName(name string) (*model.ResourceProvider, error) {
	uuid, ok := s.byName[name]
	if !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(name)
	}
	return s.GetProvider(uuid)
}

func (s *Snapshot) ListProviders() ([]*model.ResourceProvider, error) {
	uuids := make([]string, 0, len(s.providers))
	for uuid := range s.providers {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	out := make([]*model.ResourceProvider, 0, len(uuids))
	for _, uuid := range uuids {
		cp := *s.providers[uuid]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Snapshot) ChildrenOf(uuid string) ([]*model.ResourceProvider, error) {
	if _, ok := s.providers[uuid]; !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(uuid)
	}
	all, _ := s.ListProviders()
	out := make([]*model.ResourceProvider, 0)
	for _, p := range all {
		if p.ParentUUID == uuid {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Snapshot) AncestorsOf(uuid string) ([]*model.ResourceProvider, error) {
	p, ok := s.providers[uuid]
	if !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(uuid)
	}
	var out []*model.ResourceProvider
	seen := map[string]struct{}{uuid: {}}
	for p.ParentUUID != "" {
		parent, ok := s.providers[p.ParentUUID]
		if !ok {
			return nil, derror.ErrProviderNotFound.GenWithStackByArgs(p.ParentUUID)
		}
		if _, dup := seen[parent.UUID]; dup {
			// Should be unreachable: re-parenting rejects loops.
			break
		}
		seen[parent.UUID] = struct{}{}
		cp := *parent
		out = append(out, &cp)
		p = parent
	}
	return out, nil
}

func (s *Snapshot) RootOf(uuid string) (*model.ResourceProvider, error) {
	ancestors, err := s.AncestorsOf(uuid)
	if err != nil {
		return nil, err
	}
	if len(ancestors) == 0 {
		return s.GetProvider(uuid)
	}
	return ancestors[len(ancestors)-1], nil
}

func (s *Snapshot) ProvidersInTree(rootUUID string) ([]*model.ResourceProvider, error) {
	root, err := s.GetProvider(rootUUID)
	if err != nil {
		return nil, err
	}
	// Breadth-first descent over the parent index.
	out := []*model.ResourceProvider{root}
	queue := []string{root.UUID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := s.ChildrenOf(cur)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out = append(out, c)
			queue = append(queue, c.UUID)
		}
	}
	return out, nil
}

func (s *Snapshot) GetResourceClass(name string) (*model.ResourceClass, error) {
	rc, ok := s.classes[name]
	if !ok {
		return nil, derror.ErrResourceClassNotFound.GenWithStackByArgs(name)
	}
	cp := *rc
	return &cp, nil
}

func (s *Snapshot) ListResourceClasses() ([]*model.ResourceClass, error) {
	names := make([]string, 0, len(s.classes))
	for name := range s.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*model.ResourceClass, 0, len(names))
	for _, name := range names {
		cp := *s.classes[name]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Snapshot) GetTrait(name string) (*model.Trait, error) {
	t, ok := s.traits[name]
	if !ok {
		return nil, derror.ErrTraitNotFound.GenWithStackByArgs(name)
	}
	cp := *t
	return &cp, nil
}

func (s *Snapshot) ListTraits() ([]*model.Trait, error) {
	names := make([]string, 0, len(s.traits))
	for name := range s.traits {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*model.Trait, 0, len(names))
	for _, name := range names {
		cp := *s.traits[name]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Snapshot) TraitsOf(providerUUID string) ([]string, error) {
	if _, ok := s.providers[providerUUID]; !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	return sortedKeys(s.providerTraits[providerUUID]), nil
}

func (s *Snapshot) ProvidersWithTrait(name string) ([]string, error) {
	var out []string
	for uuid, set := range s.providerTraits {
		if _, ok := set[name]; ok {
			out = append(out, uuid)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Snapshot) AggregatesOf(providerUUID string) ([]string, error) {
	if _, ok := s.providers[providerUUID]; !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	return sortedKeys(s.providerAggs[providerUUID]), nil
}

func (s *Snapshot) MembersOf(aggregateUUID string) ([]string, error) {
	var out []string
	for uuid, set := range s.providerAggs {
		if _, ok := set[aggregateUUID]; ok {
			out = append(out, uuid)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Snapshot) InventoriesOf(providerUUID string) (map[string]*model.Inventory, error) {
	if _, ok := s.providers[providerUUID]; !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	out := make(map[string]*model.Inventory, len(s.inventories[providerUUID]))
	for rc, inv := range s.inventories[providerUUID] {
		cp := *inv
		out[rc] = &cp
	}
	return out, nil
}

func (s *Snapshot) GetInventory(providerUUID, className string) (*model.Inventory, error) {
	if _, ok := s.providers[providerUUID]; !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	inv, ok := s.inventories[providerUUID][className]
	if !ok {
		return nil, derror.ErrInventoryNotFound.GenWithStackByArgs(className, providerUUID)
	}
	cp := *inv
	return &cp, nil
}

func (s *Snapshot) UsagesOf(providerUUID string) (map[string]int64, error) {
	if _, ok := s.providers[providerUUID]; !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	out := make(map[string]int64)
	for _, perProvider := range s.allocations {
		for rc, used := range perProvider[providerUUID] {
			out[rc] += used
		}
	}
	return out, nil
}

func (s *Snapshot) ProjectUsages(projectID, userID string) (map[string]int64, error) {
	out := make(map[string]int64)
	for consumerUUID, perProvider := range s.allocations {
		c := s.consumers[consumerUUID]
		if c == nil || c.ProjectID != projectID {
			continue
		}
		if userID != "" && c.UserID != userID {
			continue
		}
		for _, perClass := range perProvider {
			for rc, used := range perClass {
				out[rc] += used
			}
		}
	}
	return out, nil
}

func (s *Snapshot) GetConsumer(uuid string) (*model.Consumer, error) {
	c, ok := s.consumers[uuid]
	if !ok {
		return nil, derror.ErrConsumerNotFound.GenWithStackByArgs(uuid)
	}
	cp := *c
	return &cp, nil
}

func (s *Snapshot) AllocationsOf(consumerUUID string) ([]*model.Allocation, error) {
	if _, ok := s.consumers[consumerUUID]; !ok {
		return nil, derror.ErrConsumerNotFound.GenWithStackByArgs(consumerUUID)
	}
	var out []*model.Allocation
	for rp, perClass := range s.allocations[consumerUUID] {
		for rc, used := range perClass {
			out = append(out, &model.Allocation{
				ConsumerUUID:  consumerUUID,
				ProviderUUID:  rp,
				ResourceClass: rc,
				Used:          used,
			})
		}
	}
	sortAllocations(out)
	return out, nil
}

func (s *Snapshot) AllocationsAgainst(providerUUID string) ([]*model.Allocation, error) {
	if _, ok := s.providers[providerUUID]; !ok {
		return nil, derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	var out []*model.Allocation
	for consumerUUID, perProvider := range s.allocations {
		for rc, used := range perProvider[providerUUID] {
			out = append(out, &model.Allocation{
				ConsumerUUID:  consumerUUID,
				ProviderUUID:  providerUUID,
				ResourceClass: rc,
				Used:          used,
			})
		}
	}
	sortAllocations(out)
	return out, nil
}

func sortAllocations(allocs []*model.Allocation) {
	sort.Slice(allocs, func(i, j int) bool {
		a, b := allocs[i], allocs[j]
		if a.ConsumerUUID != b.ConsumerUUID {
			return a.ConsumerUUID < b.ConsumerUUID
		}
		if a.ProviderUUID != b.ProviderUUID {
			return a.ProviderUUID < b.ProviderUUID
		}
		return a.ResourceClass < b.ResourceClass
	})
}

// ---- write side ----

func (s *Snapshot) PutProvider(p *model.ResourceProvider) error {
	if old, ok := s.providers[p.UUID]; ok && old.Name != p.Name {
		delete(s.byName, old.Name)
	}
	cp := *p
	s.providers[p.UUID] = &cp
	s.byName[p.Name] = p.UUID
	return nil
}

func (s *Snapshot) DeleteProvider(uuid string) error {
	p, ok := s.providers[uuid]
	if !ok {
		return derror.ErrProviderNotFound.GenWithStackByArgs(uuid)
	}
	delete(s.byName, p.Name)
	delete(s.providers, uuid)
	delete(s.providerTraits, uuid)
	delete(s.providerAggs, uuid)
	delete(s.inventories, uuid)
	return nil
}

func (s *Snapshot) SetProviderTraits(providerUUID string, traits []string) error {
	if _, ok := s.providers[providerUUID]; !ok {
		return derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	set := make(map[string]struct{}, len(traits))
	for _, t := range traits {
		set[t] = struct{}{}
	}
	s.providerTraits[providerUUID] = set
	return nil
}

func (s *Snapshot) SetProviderAggregates(providerUUID string, aggregates []string) error {
	if _, ok := s.providers[providerUUID]; !ok {
		return derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	set := make(map[string]struct{}, len(aggregates))
	for _, agg := range aggregates {
		set[agg] = struct{}{}
	}
	s.providerAggs[providerUUID] = set
	return nil
}

func (s *Snapshot) SetInventories(providerUUID string, inventories map[string]*model.Inventory) error {
	if _, ok := s.providers[providerUUID]; !ok {
		return derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	m := make(map[string]*model.Inventory, len(inventories))
	for rc, inv := range inventories {
		cp := *inv
		cp.ResourceClass = rc
		m[rc] = &cp
	}
	s.inventories[providerUUID] = m
	return nil
}

func (s *Snapshot) PutInventory(providerUUID string, inv *model.Inventory) error {
	if _, ok := s.providers[providerUUID]; !ok {
		return derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	if s.inventories[providerUUID] == nil {
		s.inventories[providerUUID] = make(map[string]*model.Inventory)
	}
	cp := *inv
	s.inventories[providerUUID][inv.ResourceClass] = &cp
	return nil
}

func (s *Snapshot) DeleteInventory(providerUUID, className string) error {
	if _, ok := s.providers[providerUUID]; !ok {
		return derror.ErrProviderNotFound.GenWithStackByArgs(providerUUID)
	}
	if _, ok := s.inventories[providerUUID][className]; !ok {
		return derror.ErrInventoryNotFound.GenWithStackByArgs(className, providerUUID)
	}
	delete(s.inventories[providerUUID], className)
	return nil
}

func (s *Snapshot) PutResourceClass(rc *model.ResourceClass) error {
	cp := *rc
	s.classes[rc.Name] = &cp
	return nil
}

func (s *Snapshot) DeleteResourceClass(name string) error {
	if _, ok := s.classes[name]; !ok {
		return derror.ErrResourceClassNotFound.GenWithStackByArgs(name)
	}
	delete(s.classes, name)
	return nil
}

func (s *Snapshot) PutTrait(t *model.Trait) error {
	cp := *t
	s.traits[t.Name] = &cp
	return nil
}

func (s *Snapshot) DeleteTrait(name string) error {
	if _, ok := s.traits[name]; !ok {
		return derror.ErrTraitNotFound.GenWithStackByArgs(name)
	}
	delete(s.traits, name)
	return nil
}

func (s *Snapshot) PutConsumer(c *model.Consumer) error {
	cp := *c
	s.consumers[c.UUID] = &cp
	return nil
}

func (s *Snapshot) DeleteConsumer(uuid string) error {
	if _, ok := s.consumers[uuid]; !ok {
		return derror.ErrConsumerNotFound.GenWithStackByArgs(uuid)
	}
	delete(s.consumers, uuid)
	delete(s.allocations, uuid)
	return nil
}

func (s *Snapshot) SetAllocations(consumerUUID string, allocations map[string]map[string]int64) error {
	if _, ok := s.consumers[consumerUUID]; !ok {
		return derror.ErrConsumerNotFound.GenWithStackByArgs(consumerUUID)
	}
	if len(allocations) == 0 {
		delete(s.allocations, consumerUUID)
		return nil
	}
	m := make(map[string]map[string]int64, len(allocations))
	for rp, perClass := range allocations {
		mm := make(map[string]int64, len(perClass))
		for rc, used := range perClass {
			mm[rc] = used
		}
		m[rp] = mm
	}
	s.allocations[consumerUUID] = m
	return nil
}

func (s *Snapshot) EnsureProject(externalID string) error {
	s.projects[externalID] = struct{}{}
	return nil
}

func (s *Snapshot) EnsureUser(externalID string) error {
	s.users[externalID] = struct{}{}
	return nil
}
