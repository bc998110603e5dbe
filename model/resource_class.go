package model

import (
	"regexp"

	derror "github.com/tachyon-project/tachyon/pkg/errors"
)

// ResourceClass is a named countable resource type. Standard classes are
// implicitly valid everywhere; anything else must carry the custom prefix.
type ResourceClass struct {
	Name string `json:"name"`
}

// CustomPrefix marks caller-defined resource classes and traits.
const CustomPrefix = "CUSTOM_"

// Standard resource classes.
const (
	VCPU        = "VCPU"
	MemoryMB    = "MEMORY_MB"
	DiskGB      = "DISK_GB"
	IPv4Address = "IPV4_ADDRESS"
)

var standardResourceClasses = map[string]struct{}{
	VCPU:        {},
	MemoryMB:    {},
	DiskGB:      {},
	IPv4Address: {},
}

var customNameRE = regexp.MustCompile(`^CUSTOM_[A-Z0-9_]+$`)

// StandardResourceClasses returns the names of all standard classes.
func StandardResourceClasses() []string {
	out := make([]string, 0, len(standardResourceClasses))
	for name := range standardResourceClasses {
		out = append(out, name)
	}
	return out
}

// IsStandardResourceClass tells whether name is a fixed standard class.
func IsStandardResourceClass(name string) bool {
	_, ok := standardResourceClasses[name]
	return ok
}

// ValidateResourceClassName accepts standard names and well-formed custom
// names.
func ValidateResourceClassName(name string) error {
	if IsStandardResourceClass(name) {
		return nil
	}
	if len(name) > 255 || !customNameRE.MatchString(name) {
		return derror.ErrInvalidResourceClassName.GenWithStackByArgs(name)
	}
	return nil
}
