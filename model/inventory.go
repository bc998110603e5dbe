package model

import (
	derror "github.com/tachyon-project/tachyon/pkg/errors"
)

// DefaultMaxUnit is the max_unit applied when a caller omits it.
const DefaultMaxUnit = 2147483647

// Inventory is the capacity record of one resource class on one resource
// provider.
type Inventory struct {
	ResourceClass   string  `json:"resource_class"`
	Total           int64   `json:"total"`
	Reserved        int64   `json:"reserved"`
	MinUnit         int64   `json:"min_unit"`
	MaxUnit         int64   `json:"max_unit"`
	StepSize        int64   `json:"step_size"`
	AllocationRatio float64 `json:"allocation_ratio"`
}

// ApplyDefaults fills the optional fields a caller may omit.
func (inv *Inventory) ApplyDefaults() {
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
}

// Validate checks the inventory invariants.
func (inv *Inventory) Validate() error {
	if inv.Total < 1 {
		return derror.ErrInvalidInventory.GenWithStackByArgs(inv.ResourceClass, "total must be >= 1")
	}
	if inv.Reserved < 0 || inv.Reserved > inv.Total {
		return derror.ErrInvalidInventory.GenWithStackByArgs(inv.ResourceClass, "reserved must be within [0, total]")
	}
	if inv.MinUnit < 1 {
		return derror.ErrInvalidInventory.GenWithStackByArgs(inv.ResourceClass, "min_unit must be >= 1")
	}
	if inv.MaxUnit < inv.MinUnit {
		return derror.ErrInvalidInventory.GenWithStackByArgs(inv.ResourceClass, "max_unit must be >= min_unit")
	}
	if inv.StepSize < 1 {
		return derror.ErrInvalidInventory.GenWithStackByArgs(inv.ResourceClass, "step_size must be >= 1")
	}
	if inv.AllocationRatio <= 0 {
		return derror.ErrInvalidInventory.GenWithStackByArgs(inv.ResourceClass, "allocation_ratio must be > 0")
	}
	return nil
}

// Capacity is the allocatable capacity: (total - reserved) * allocation_ratio.
func (inv *Inventory) Capacity() float64 {
	return float64(inv.Total-inv.Reserved) * inv.AllocationRatio
}

// FitsAmount reports whether a request for amount passes the quantization
// constraints: min_unit <= amount <= max_unit and the amount is min_unit
// plus a whole number of step_size increments.
func (inv *Inventory) FitsAmount(amount int64) bool {
	if amount < inv.MinUnit || amount > inv.MaxUnit {
		return false
	}
	return (amount-inv.MinUnit)%inv.StepSize == 0
}

// HasCapacityFor reports whether a request for amount is feasible given the
// current used total: quantization passes and amount <= capacity - used.
func (inv *Inventory) HasCapacityFor(amount, used int64) bool {
	if !inv.FitsAmount(amount) {
		return false
	}
	return float64(amount) <= inv.Capacity()-float64(used)
}
