package model

import (
	derror "github.com/tachyon-project/tachyon/pkg/errors"
)

// Trait is a named boolean capability tag attached to resource providers.
type Trait struct {
	Name string `json:"name"`
}

// TraitSharesViaAggregate marks a provider that offers its capacity to
// other trees through aggregate membership rather than tree membership.
const TraitSharesViaAggregate = "MISC_SHARES_VIA_AGGREGATE"

// The standard trait set is intentionally small; deployments add
// CUSTOM_-prefixed traits for everything else.
var standardTraits = map[string]struct{}{
	TraitSharesViaAggregate:        {},
	"HW_CPU_X86_AVX2":              {},
	"HW_CPU_X86_SSE42":             {},
	"HW_NUMA_ROOT":                 {},
	"STORAGE_DISK_SSD":             {},
	"STORAGE_DISK_HDD":             {},
	"COMPUTE_VOLUME_MULTI_ATTACH":  {},
	"COMPUTE_TRUSTED_CERTS":        {},
	"MISC_SHARING_PROVIDER_NESTED": {},
}

// StandardTraits returns the names of all standard traits.
func StandardTraits() []string {
	out := make([]string, 0, len(standardTraits))
	for name := range standardTraits {
		out = append(out, name)
	}
	return out
}

// IsStandardTrait tells whether name is a fixed standard trait.
func IsStandardTrait(name string) bool {
	_, ok := standardTraits[name]
	return ok
}

// ValidateTraitName accepts standard names and well-formed custom names.
func ValidateTraitName(name string) error {
	if IsStandardTrait(name) {
		return nil
	}
	if len(name) > 255 || !customNameRE.MatchString(name) {
		return derror.ErrInvalidTraitName.GenWithStackByArgs(name)
	}
	return nil
}
