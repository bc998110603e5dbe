package model

import (
	"testing"

	. "github.com/pingcap/check"

	derror "github.com/tachyon-project/tachyon/pkg/errors"
)

func TestT(t *testing.T) {
	TestingT(t)
}

type testInventorySuite struct{}

var _ = Suite(&testInventorySuite{})

func (t *testInventorySuite) TestApplyDefaults(c *C) {
	inv := &Inventory{ResourceClass: VCPU, Total: 16}
	inv.ApplyDefaults()
	c.Assert(inv.MinUnit, Equals, int64(1))
	c.Assert(inv.MaxUnit, Equals, int64(DefaultMaxUnit))
	c.Assert(inv.StepSize, Equals, int64(1))
	c.Assert(inv.AllocationRatio, Equals, 1.0)

	// Explicit values survive.
	inv = &Inventory{ResourceClass: VCPU, Total: 16, MinUnit: 2, MaxUnit: 8, StepSize: 2, AllocationRatio: 4.0}
	inv.ApplyDefaults()
	c.Assert(inv.MinUnit, Equals, int64(2))
	c.Assert(inv.MaxUnit, Equals, int64(8))
	c.Assert(inv.AllocationRatio, Equals, 4.0)
}

func (t *testInventorySuite) TestValidate(c *C) {
	good := &Inventory{ResourceClass: VCPU, Total: 16}
	good.ApplyDefaults()
	c.Assert(good.Validate(), IsNil)

	cases := []Inventory{
		{ResourceClass: VCPU, Total: 0},
		{ResourceClass: VCPU, Total: 4, Reserved: 5},
		{ResourceClass: VCPU, Total: 4, Reserved: -1},
		{ResourceClass: VCPU, Total: 4, MinUnit: 4, MaxUnit: 2},
		{ResourceClass: VCPU, Total: 4, StepSize: -1},
		{ResourceClass: VCPU, Total: 4, AllocationRatio: -1},
	}
	for _, inv := range cases {
		if inv.MinUnit == 0 {
			inv.MinUnit = 1
		}
		if inv.MaxUnit == 0 {
			inv.MaxUnit = DefaultMaxUnit
		}
		if inv.StepSize == 0 {
			inv.StepSize = 1
		}
		if inv.AllocationRatio == 0 {
			inv.AllocationRatio = 1.0
		}
		err := inv.Validate()
		c.Assert(err, NotNil)
		c.Assert(derror.ErrInvalidInventory.Equal(err), IsTrue)
	}
}

func (t *testInventorySuite) TestCapacityArithmetic(c *C) {
	inv := &Inventory{ResourceClass: VCPU, Total: 16, Reserved: 1, AllocationRatio: 10.0}
	inv.ApplyDefaults()
	// (16 - 1) * 10.0 = 150
	c.Assert(inv.Capacity(), Equals, 150.0)
	c.Assert(inv.HasCapacityFor(150, 0), IsTrue)
	c.Assert(inv.HasCapacityFor(151, 0), IsFalse)
	c.Assert(inv.HasCapacityFor(100, 51), IsFalse)
	c.Assert(inv.HasCapacityFor(100, 50), IsTrue)
}

func (t *testInventorySuite) TestQuantization(c *C) {
	inv := &Inventory{ResourceClass: DiskGB, Total: 1000, MinUnit: 10, MaxUnit: 100, StepSize: 10}
	inv.ApplyDefaults()
	c.Assert(inv.FitsAmount(10), IsTrue)
	c.Assert(inv.FitsAmount(50), IsTrue)
	c.Assert(inv.FitsAmount(12), IsFalse)
	c.Assert(inv.FitsAmount(5), IsFalse)
	c.Assert(inv.FitsAmount(110), IsFalse)
	// Quantization failures are not capacity failures, but both gate
	// HasCapacityFor.
	c.Assert(inv.HasCapacityFor(12, 0), IsFalse)
	c.Assert(inv.HasCapacityFor(20, 0), IsTrue)
}

type testNamesSuite struct{}

var _ = Suite(&testNamesSuite{})

func (t *testNamesSuite) TestResourceClassNames(c *C) {
	c.Assert(ValidateResourceClassName(VCPU), IsNil)
	c.Assert(ValidateResourceClassName("CUSTOM_GOLD_SSD"), IsNil)
	c.Assert(ValidateResourceClassName("GOLD_SSD"), NotNil)
	c.Assert(ValidateResourceClassName("CUSTOM_gold"), NotNil)
	c.Assert(ValidateResourceClassName("CUSTOM_"), NotNil)
	c.Assert(IsStandardResourceClass(MemoryMB), IsTrue)
	c.Assert(IsStandardResourceClass("CUSTOM_GOLD_SSD"), IsFalse)
}

func (t *testNamesSuite) TestTraitNames(c *C) {
	c.Assert(ValidateTraitName(TraitSharesViaAggregate), IsNil)
	c.Assert(ValidateTraitName("CUSTOM_FPGA"), IsNil)
	c.Assert(ValidateTraitName("FPGA"), NotNil)
	c.Assert(IsStandardTrait("HW_CPU_X86_AVX2"), IsTrue)
	c.Assert(IsStandardTrait("CUSTOM_FPGA"), IsFalse)
}

func (t *testNamesSuite) TestConsumerTypes(c *C) {
	c.Assert(ValidateConsumerType(""), IsNil)
	c.Assert(ValidateConsumerType("INSTANCE"), IsNil)
	c.Assert(ValidateConsumerType("MIGRATION_2"), IsNil)
	err := ValidateConsumerType("instance")
	c.Assert(err, NotNil)
	c.Assert(derror.ErrInvalidConsumerType.Equal(err), IsTrue)
}
