package placement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-project/tachyon/allocation"
	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/pkg/topology/memstore"
	"github.com/tachyon-project/tachyon/placement"
	"github.com/tachyon-project/tachyon/registry"
)

const (
	aggShared = "aaaaaaaa-0000-0000-0000-000000000001"
	aggOther  = "aaaaaaaa-0000-0000-0000-000000000002"
)

type env struct {
	t      *testing.T
	ctx    context.Context
	reg    *registry.Registry
	writer *allocation.Writer
	engine *placement.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	e := &env{
		t:      t,
		ctx:    context.Background(),
		reg:    registry.New(store),
		writer: allocation.NewWriter(store),
		engine: placement.NewEngine(store),
	}
	require.NoError(t, e.reg.Bootstrap(e.ctx))
	return e
}

func (e *env) provider(name, parent string) *model.ResourceProvider {
	e.t.Helper()
	p, err := e.reg.CreateProvider(e.ctx, registry.ProviderSpec{Name: name, ParentUUID: parent})
	require.NoError(e.t, err)
	return p
}

func (e *env) inventory(p *model.ResourceProvider, rc string, inv model.Inventory) {
	e.t.Helper()
	inv.ResourceClass = rc
	cur, err := e.reg.GetProvider(e.ctx, p.UUID)
	require.NoError(e.t, err)
	_, err = e.reg.PutInventory(e.ctx, p.UUID, cur.Generation, &inv)
	require.NoError(e.t, err)
}

func (e *env) traits(p *model.ResourceProvider, traits ...string) {
	e.t.Helper()
	cur, err := e.reg.GetProvider(e.ctx, p.UUID)
	require.NoError(e.t, err)
	_, err = e.reg.SetTraits(e.ctx, p.UUID, cur.Generation, traits)
	require.NoError(e.t, err)
}

func (e *env) aggregates(p *model.ResourceProvider, aggs ...string) {
	e.t.Helper()
	cur, err := e.reg.GetProvider(e.ctx, p.UUID)
	require.NoError(e.t, err)
	_, err = e.reg.SetAggregates(e.ctx, p.UUID, cur.Generation, aggs)
	require.NoError(e.t, err)
}

func (e *env) allocate(consumer string, allocs map[string]map[string]int64) {
	e.t.Helper()
	err := e.writer.Set(e.ctx, []allocation.ConsumerAllocations{{
		Consumer:    allocation.ConsumerSpec{UUID: consumer, ProjectID: "p", UserID: "u"},
		Allocations: allocs,
	}})
	require.NoError(e.t, err)
}

func (e *env) search(req *placement.Request) *placement.Result {
	e.t.Helper()
	res, err := e.engine.Search(e.ctx, req)
	require.NoError(e.t, err)
	return res
}

func singleGroup(g *placement.RequestGroup) *placement.Request {
	return &placement.Request{Groups: map[string]*placement.RequestGroup{
		placement.DefaultGroup: g,
	}}
}

func TestSingleGroupSimpleMatch(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	a := e.provider("compute-a", "")
	b := e.provider("compute-b", "")
	e.inventory(a, model.VCPU, model.Inventory{Total: 32})
	e.inventory(b, model.VCPU, model.Inventory{Total: 8})

	res := e.search(singleGroup(&placement.RequestGroup{
		Resources: map[string]int64{model.VCPU: 16},
	}))
	require.Len(t, res.AllocationRequests, 1)
	ar := res.AllocationRequests[0]
	require.Equal(t, int64(16), ar.Allocations[a.UUID][model.VCPU])
	require.Equal(t, a.UUID, ar.GroupMapping[placement.DefaultGroup])

	summary := res.Summaries[a.UUID]
	require.NotNil(t, summary)
	require.Equal(t, int64(32), summary.Resources[model.VCPU].Capacity)
	require.Zero(t, summary.Resources[model.VCPU].Used)
}

func TestCapacityExcludesExistingUsage(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	a := e.provider("compute-a", "")
	// (16 - 1) * 10 = 150 allocatable.
	e.inventory(a, model.VCPU, model.Inventory{Total: 16, Reserved: 1, AllocationRatio: 10.0})
	e.allocate("c0c0c0c0-0000-0000-0000-000000000001", map[string]map[string]int64{
		a.UUID: {model.VCPU: 100},
	})

	res := e.search(singleGroup(&placement.RequestGroup{Resources: map[string]int64{model.VCPU: 50}}))
	require.Len(t, res.AllocationRequests, 1)
	require.Equal(t, int64(100), res.Summaries[a.UUID].Resources[model.VCPU].Used)

	res = e.search(singleGroup(&placement.RequestGroup{Resources: map[string]int64{model.VCPU: 51}}))
	require.Empty(t, res.AllocationRequests)
}

func TestQuantizationGatesCandidates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	a := e.provider("storage-a", "")
	e.inventory(a, model.DiskGB, model.Inventory{Total: 1000, MinUnit: 10, MaxUnit: 100, StepSize: 10})

	res := e.search(singleGroup(&placement.RequestGroup{Resources: map[string]int64{model.DiskGB: 12}}))
	require.Empty(t, res.AllocationRequests)
	res = e.search(singleGroup(&placement.RequestGroup{Resources: map[string]int64{model.DiskGB: 20}}))
	require.Len(t, res.AllocationRequests, 1)
}

func TestTraitFilters(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	a := e.provider("compute-a", "")
	b := e.provider("compute-b", "")
	e.inventory(a, model.VCPU, model.Inventory{Total: 8})
	e.inventory(b, model.VCPU, model.Inventory{Total: 8})
	e.traits(a, "HW_CPU_X86_AVX2", "STORAGE_DISK_SSD")
	e.traits(b, "STORAGE_DISK_HDD")

	res := e.search(singleGroup(&placement.RequestGroup{
		Resources:      map[string]int64{model.VCPU: 2},
		RequiredTraits: []string{"HW_CPU_X86_AVX2"},
	}))
	require.Len(t, res.AllocationRequests, 1)
	require.Equal(t, a.UUID, res.AllocationRequests[0].GroupMapping[placement.DefaultGroup])

	res = e.search(singleGroup(&placement.RequestGroup{
		Resources:       map[string]int64{model.VCPU: 2},
		ForbiddenTraits: []string{"STORAGE_DISK_SSD"},
	}))
	require.Len(t, res.AllocationRequests, 1)
	require.Equal(t, b.UUID, res.AllocationRequests[0].GroupMapping[placement.DefaultGroup])

	res = e.search(singleGroup(&placement.RequestGroup{
		Resources:   map[string]int64{model.VCPU: 2},
		AnyOfTraits: [][]string{{"STORAGE_DISK_SSD", "STORAGE_DISK_HDD"}},
	}))
	require.Len(t, res.AllocationRequests, 2)
}

func TestAggregateFilters(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	a := e.provider("compute-a", "")
	b := e.provider("compute-b", "")
	e.inventory(a, model.VCPU, model.Inventory{Total: 8})
	e.inventory(b, model.VCPU, model.Inventory{Total: 8})
	e.aggregates(a, aggShared)
	e.aggregates(b, aggOther)

	res := e.search(singleGroup(&placement.RequestGroup{
		Resources: map[string]int64{model.VCPU: 2},
		MemberOf:  [][]string{{aggShared}},
	}))
	require.Len(t, res.AllocationRequests, 1)
	require.Equal(t, a.UUID, res.AllocationRequests[0].GroupMapping[placement.DefaultGroup])

	res = e.search(singleGroup(&placement.RequestGroup{
		Resources:           map[string]int64{model.VCPU: 2},
		ForbiddenAggregates: []string{aggOther},
	}))
	require.Len(t, res.AllocationRequests, 1)
	require.Equal(t, a.UUID, res.AllocationRequests[0].GroupMapping[placement.DefaultGroup])
}

func TestDisabledProviderSkipped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	a := e.provider("compute-a", "")
	e.inventory(a, model.VCPU, model.Inventory{Total: 8})
	disabled := true
	cur, err := e.reg.GetProvider(e.ctx, a.UUID)
	require.NoError(t, err)
	_, err = e.reg.UpdateProvider(e.ctx, a.UUID, cur.Generation, registry.ProviderUpdate{Disabled: &disabled})
	require.NoError(t, err)

	res := e.search(singleGroup(&placement.RequestGroup{Resources: map[string]int64{model.VCPU: 2}}))
	require.Empty(t, res.AllocationRequests)
}

func TestTreeAndSharingComposition(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.provider("node-0", "")
	numa := e.provider("node-0-numa0", root.UUID)
	share := e.provider("shared-storage", "")
	e.inventory(numa, model.VCPU, model.Inventory{Total: 16})
	e.inventory(share, model.DiskGB, model.Inventory{Total: 1000})
	e.traits(share, model.TraitSharesViaAggregate)
	e.aggregates(root, aggShared)
	e.aggregates(share, aggShared)

	res := e.search(singleGroup(&placement.RequestGroup{
		Resources: map[string]int64{model.VCPU: 4, model.DiskGB: 100},
	}))
	require.Len(t, res.AllocationRequests, 1)
	ar := res.AllocationRequests[0]
	require.Equal(t, int64(4), ar.Allocations[numa.UUID][model.VCPU])
	require.Equal(t, int64(100), ar.Allocations[share.UUID][model.DiskGB])
	require.Equal(t, root.UUID, ar.GroupMapping[placement.DefaultGroup])
	// Summaries cover the whole tree plus the sharing provider.
	require.Contains(t, res.Summaries, root.UUID)
	require.Contains(t, res.Summaries, numa.UUID)
	require.Contains(t, res.Summaries, share.UUID)
}

func TestSharingRequiresAggregateLink(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.provider("node-0", "")
	share := e.provider("shared-storage", "")
	e.inventory(root, model.VCPU, model.Inventory{Total: 16})
	e.inventory(share, model.DiskGB, model.Inventory{Total: 1000})
	e.traits(share, model.TraitSharesViaAggregate)
	// No aggregate in common: composition must fail.
	e.aggregates(share, aggOther)

	res := e.search(singleGroup(&placement.RequestGroup{
		Resources: map[string]int64{model.VCPU: 4, model.DiskGB: 100},
	}))
	require.Empty(t, res.AllocationRequests)
}

func TestIsolatePolicy(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.provider("node-0", "")
	n0 := e.provider("numa0", root.UUID)
	n1 := e.provider("numa1", root.UUID)
	e.inventory(n0, model.VCPU, model.Inventory{Total: 8})
	e.inventory(n1, model.VCPU, model.Inventory{Total: 8})

	req := &placement.Request{
		Groups: map[string]*placement.RequestGroup{
			"1": {Resources: map[string]int64{model.VCPU: 2}},
			"2": {Resources: map[string]int64{model.VCPU: 2}},
		},
		GroupPolicy: placement.GroupPolicyIsolate,
	}
	res := e.search(req)
	require.Len(t, res.AllocationRequests, 1)
	ar := res.AllocationRequests[0]
	require.NotEqual(t, ar.GroupMapping["1"], ar.GroupMapping["2"])
	require.Len(t, ar.Allocations, 2)
}

func TestIsolateWithSingleHostYieldsNothing(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.provider("node-0", "")
	e.inventory(root, model.VCPU, model.Inventory{Total: 64})

	req := &placement.Request{
		Groups: map[string]*placement.RequestGroup{
			"1": {Resources: map[string]int64{model.VCPU: 2}},
			"2": {Resources: map[string]int64{model.VCPU: 2}},
		},
		GroupPolicy: placement.GroupPolicyIsolate,
	}
	res := e.search(req)
	require.Empty(t, res.AllocationRequests)

	// The same request lands with policy "none", consolidated on one
	// provider with summed amounts.
	req.GroupPolicy = placement.GroupPolicyNone
	res = e.search(req)
	require.Len(t, res.AllocationRequests, 1)
	require.Equal(t, int64(4), res.AllocationRequests[0].Allocations[root.UUID][model.VCPU])
}

func TestCombinedAmountsRecheckedAgainstCapacity(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.provider("node-0", "")
	e.inventory(root, model.VCPU, model.Inventory{Total: 10})

	// Each group fits alone, the sum does not.
	req := &placement.Request{
		Groups: map[string]*placement.RequestGroup{
			"1": {Resources: map[string]int64{model.VCPU: 6}},
			"2": {Resources: map[string]int64{model.VCPU: 6}},
		},
		GroupPolicy: placement.GroupPolicyNone,
	}
	res := e.search(req)
	require.Empty(t, res.AllocationRequests)
}

func TestSameSubtree(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.provider("node-0", "")
	numa0 := e.provider("numa0", root.UUID)
	numa1 := e.provider("numa1", root.UUID)
	dev0 := e.provider("numa0-dev0", numa0.UUID)
	dev1 := e.provider("numa1-dev0", numa1.UUID)
	e.inventory(dev0, "CUSTOM_VF", model.Inventory{Total: 4})
	e.inventory(dev1, "CUSTOM_VF", model.Inventory{Total: 4})
	e.inventory(numa0, model.VCPU, model.Inventory{Total: 8})

	req := &placement.Request{
		Groups: map[string]*placement.RequestGroup{
			"cpu": {Resources: map[string]int64{model.VCPU: 2}},
			"vf":  {Resources: map[string]int64{"CUSTOM_VF": 1}},
		},
		GroupPolicy: placement.GroupPolicyNone,
		SameSubtree: [][]string{{"cpu", "vf"}},
	}
	res := e.search(req)
	require.Len(t, res.AllocationRequests, 1)
	ar := res.AllocationRequests[0]
	require.Equal(t, numa0.UUID, ar.GroupMapping["cpu"])
	// Either device shares an ancestor with numa0 through the tree root.
	require.Contains(t, []string{dev0.UUID, dev1.UUID}, ar.GroupMapping["vf"])
	require.Equal(t, int64(2), ar.Allocations[numa0.UUID][model.VCPU])
}

func TestResourcelessGroupInSameSubtree(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.provider("node-0", "")
	numa0 := e.provider("numa0", root.UUID)
	numa1 := e.provider("numa1", root.UUID)
	e.inventory(numa0, model.VCPU, model.Inventory{Total: 8})
	e.inventory(numa1, model.VCPU, model.Inventory{Total: 8})
	e.traits(numa1, "HW_NUMA_ROOT")

	req := &placement.Request{
		Groups: map[string]*placement.RequestGroup{
			"cpu":  {Resources: map[string]int64{model.VCPU: 2}},
			"numa": {RequiredTraits: []string{"HW_NUMA_ROOT"}},
		},
		GroupPolicy: placement.GroupPolicyNone,
		SameSubtree: [][]string{{"cpu", "numa"}},
	}
	res := e.search(req)
	require.Len(t, res.AllocationRequests, 1)
	ar := res.AllocationRequests[0]
	require.Equal(t, numa1.UUID, ar.GroupMapping["numa"])
	require.Contains(t, []string{numa0.UUID, numa1.UUID}, ar.GroupMapping["cpu"])
	// The resourceless group contributes no allocations.
	require.Len(t, ar.Allocations, 1)
}

func TestRootTraitFilters(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	rootA := e.provider("node-a", "")
	leafA := e.provider("node-a-leaf", rootA.UUID)
	rootB := e.provider("node-b", "")
	leafB := e.provider("node-b-leaf", rootB.UUID)
	e.inventory(leafA, model.VCPU, model.Inventory{Total: 8})
	e.inventory(leafB, model.VCPU, model.Inventory{Total: 8})
	e.traits(rootA, "COMPUTE_TRUSTED_CERTS")

	req := singleGroup(&placement.RequestGroup{Resources: map[string]int64{model.VCPU: 2}})
	req.RootRequired = []string{"COMPUTE_TRUSTED_CERTS"}
	res := e.search(req)
	require.Len(t, res.AllocationRequests, 1)
	require.Equal(t, leafA.UUID, res.AllocationRequests[0].GroupMapping[placement.DefaultGroup])

	req.RootRequired = nil
	req.RootForbidden = []string{"COMPUTE_TRUSTED_CERTS"}
	res = e.search(req)
	require.Len(t, res.AllocationRequests, 1)
	require.Equal(t, leafB.UUID, res.AllocationRequests[0].GroupMapping[placement.DefaultGroup])
}

func TestInTreeScoping(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	a := e.provider("node-a", "")
	b := e.provider("node-b", "")
	e.inventory(a, model.VCPU, model.Inventory{Total: 8})
	e.inventory(b, model.VCPU, model.Inventory{Total: 8})

	res := e.search(singleGroup(&placement.RequestGroup{
		Resources: map[string]int64{model.VCPU: 2},
		InTree:    b.UUID,
	}))
	require.Len(t, res.AllocationRequests, 1)
	require.Equal(t, b.UUID, res.AllocationRequests[0].GroupMapping[placement.DefaultGroup])

	// An unknown anchor yields an empty result, not an error.
	res = e.search(singleGroup(&placement.RequestGroup{
		Resources: map[string]int64{model.VCPU: 2},
		InTree:    "eeeeeeee-0000-0000-0000-000000000000",
	}))
	require.Empty(t, res.AllocationRequests)
}

func TestLimitTruncates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		p := e.provider("compute-"+name, "")
		e.inventory(p, model.VCPU, model.Inventory{Total: 8})
	}

	req := singleGroup(&placement.RequestGroup{Resources: map[string]int64{model.VCPU: 2}})
	req.Limit = 2
	res := e.search(req)
	require.Len(t, res.AllocationRequests, 2)

	// Summaries shrink with the proposal list: only providers reachable
	// from a surviving proposal remain.
	require.Len(t, res.Summaries, 2)
	for _, ar := range res.AllocationRequests {
		for uuid := range ar.Allocations {
			require.Contains(t, res.Summaries, uuid)
		}
	}
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.provider("compute-a", "")
	e.inventory(p, model.VCPU, model.Inventory{Total: 8})

	_, err := e.engine.Search(e.ctx, &placement.Request{})
	require.True(t, derror.IsInvalidRequest(err))

	_, err = e.engine.Search(e.ctx, singleGroup(&placement.RequestGroup{
		Resources: map[string]int64{"CUSTOM_NOPE": 1},
	}))
	require.True(t, derror.ErrUnknownResourceClass.Equal(err))

	_, err = e.engine.Search(e.ctx, singleGroup(&placement.RequestGroup{
		Resources:      map[string]int64{model.VCPU: 1},
		RequiredTraits: []string{"CUSTOM_NOPE"},
	}))
	require.True(t, derror.ErrUnknownTrait.Equal(err))

	_, err = e.engine.Search(e.ctx, singleGroup(&placement.RequestGroup{
		Resources: map[string]int64{model.VCPU: 0},
	}))
	require.True(t, derror.ErrInvalidAmount.Equal(err))

	// Two numbered groups need an explicit policy.
	_, err = e.engine.Search(e.ctx, &placement.Request{
		Groups: map[string]*placement.RequestGroup{
			"1": {Resources: map[string]int64{model.VCPU: 1}},
			"2": {Resources: map[string]int64{model.VCPU: 1}},
		},
	})
	require.True(t, derror.ErrGroupPolicyRequired.Equal(err))

	// A resourceless group must appear in a same_subtree set.
	_, err = e.engine.Search(e.ctx, &placement.Request{
		Groups: map[string]*placement.RequestGroup{
			placement.DefaultGroup: {Resources: map[string]int64{model.VCPU: 1}},
			"traits-only":          {RequiredTraits: []string{"STORAGE_DISK_SSD"}},
		},
		GroupPolicy: placement.GroupPolicyNone,
	})
	require.True(t, derror.ErrOrphanRequestGroup.Equal(err))

	_, err = e.engine.Search(e.ctx, &placement.Request{
		Groups: map[string]*placement.RequestGroup{
			placement.DefaultGroup: {Resources: map[string]int64{model.VCPU: 1}},
		},
		SameSubtree: [][]string{{"nope"}},
	})
	require.True(t, derror.ErrUnknownRequestGroup.Equal(err))
}
