package allocation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-project/tachyon/allocation"
	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/registry"
)

// The classic reshape: VCPU inventory moves from the root provider to a new
// NUMA child, and the existing allocation moves with it in the same
// transaction.
func TestReshapeMovesInventoryAndAllocations(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.computeProvider("node-0", 16)
	numa, err := e.reg.CreateProvider(e.ctx, registry.ProviderSpec{Name: "node-0-numa0", ParentUUID: root.UUID})
	require.NoError(t, err)

	require.NoError(t, e.writer.Set(e.ctx, []allocation.ConsumerAllocations{{
		Consumer:    allocation.ConsumerSpec{UUID: consumerX},
		Allocations: map[string]map[string]int64{root.UUID: {model.VCPU: 4}},
	}}))

	rootCur, err := e.reg.GetProvider(e.ctx, root.UUID)
	require.NoError(t, err)
	err = e.writer.Reshape(e.ctx,
		map[string]allocation.InventoryReshape{
			root.UUID: {Generation: rootCur.Generation, Inventories: nil},
			numa.UUID: {Generation: 0, Inventories: map[string]*model.Inventory{
				model.VCPU: {Total: 16},
			}},
		},
		[]allocation.ConsumerAllocations{{
			Consumer:    allocation.ConsumerSpec{UUID: consumerX, Generation: genPtr(1)},
			Allocations: map[string]map[string]int64{numa.UUID: {model.VCPU: 4}},
		}},
	)
	require.NoError(t, err)

	rootUsages, err := e.reg.Usages(e.ctx, root.UUID)
	require.NoError(t, err)
	require.Zero(t, rootUsages[model.VCPU])
	numaUsages, err := e.reg.Usages(e.ctx, numa.UUID)
	require.NoError(t, err)
	require.Equal(t, int64(4), numaUsages[model.VCPU])

	// Both providers took exactly one generation bump.
	rootAfter, err := e.reg.GetProvider(e.ctx, root.UUID)
	require.NoError(t, err)
	require.Equal(t, rootCur.Generation+1, rootAfter.Generation)
	numaAfter, err := e.reg.GetProvider(e.ctx, numa.UUID)
	require.NoError(t, err)
	require.Equal(t, int64(1), numaAfter.Generation)
}

func TestReshapeGenerationGuard(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.computeProvider("node-0", 16)

	err := e.writer.Reshape(e.ctx,
		map[string]allocation.InventoryReshape{
			root.UUID: {Generation: 99, Inventories: nil},
		}, nil)
	require.True(t, derror.IsGenerationConflict(err))

	// Nothing moved.
	invs, _, err := e.reg.Inventories(e.ctx, root.UUID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
}

// The consistency pass must also cover providers the batch allocates
// against without reshaping them.
func TestReshapeRejectsUnbackedAllocationOnUntouchedProvider(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.computeProvider("node-0", 16)
	bystander := e.computeProvider("node-1", 8)

	rootCur, err := e.reg.GetProvider(e.ctx, root.UUID)
	require.NoError(t, err)
	err = e.writer.Reshape(e.ctx,
		map[string]allocation.InventoryReshape{
			root.UUID: {Generation: rootCur.Generation, Inventories: map[string]*model.Inventory{
				model.VCPU: {Total: 16},
			}},
		},
		[]allocation.ConsumerAllocations{{
			Consumer:    allocation.ConsumerSpec{UUID: consumerX},
			Allocations: map[string]map[string]int64{bystander.UUID: {model.MemoryMB: 1024}},
		}},
	)
	require.True(t, derror.ErrInventoryNotFound.Equal(err))

	// Nothing committed: no consumer, no generation bump.
	_, _, err = e.writer.Get(e.ctx, consumerX)
	require.True(t, derror.IsNotFound(err))
	rootAfter, err := e.reg.GetProvider(e.ctx, root.UUID)
	require.NoError(t, err)
	require.Equal(t, rootCur.Generation, rootAfter.Generation)
}

func TestReshapeRejectsStrandedUsage(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	root := e.computeProvider("node-0", 16)

	require.NoError(t, e.writer.Set(e.ctx, []allocation.ConsumerAllocations{{
		Consumer:    allocation.ConsumerSpec{UUID: consumerX},
		Allocations: map[string]map[string]int64{root.UUID: {model.VCPU: 4}},
	}}))

	// Dropping the inventory without moving the allocation must abort the
	// whole transaction.
	rootCur, err := e.reg.GetProvider(e.ctx, root.UUID)
	require.NoError(t, err)
	err = e.writer.Reshape(e.ctx,
		map[string]allocation.InventoryReshape{
			root.UUID: {Generation: rootCur.Generation, Inventories: nil},
		}, nil)
	require.True(t, derror.ErrInventoryNotFound.Equal(err))

	invs, _, err := e.reg.Inventories(e.ctx, root.UUID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	rootAfter, err := e.reg.GetProvider(e.ctx, root.UUID)
	require.NoError(t, err)
	require.Equal(t, rootCur.Generation, rootAfter.Generation)
}
