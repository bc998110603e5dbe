// Package placement implements the allocation-candidate search: given a
// structured resource request it returns the currently feasible allocation
// proposals plus provider summaries. The search is read-only and advisory;
// correctness against concurrent writers is only guaranteed at
// allocation-write time by the generation protocol.
package placement

import (
	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/pkg/topology"
)

// DefaultGroup is the key of the unnumbered request group.
const DefaultGroup = ""

// GroupPolicy controls how numbered groups may share providers.
type GroupPolicy string

const (
	// GroupPolicyUnset means the caller did not choose a policy. It is
	// only legal while at most one numbered group is present.
	GroupPolicyUnset GroupPolicy = ""
	// GroupPolicyNone lets numbered groups land on the same provider.
	GroupPolicyNone GroupPolicy = "none"
	// GroupPolicyIsolate forces numbered groups onto pairwise distinct
	// providers; the default group is exempt.
	GroupPolicyIsolate GroupPolicy = "isolate"
)

// RequestGroup is one independently-constrained part of a request.
type RequestGroup struct {
	// Resources maps resource class -> requested amount.
	Resources map[string]int64
	// RequiredTraits must all be present.
	RequiredTraits []string
	// ForbiddenTraits must all be absent.
	ForbiddenTraits []string
	// AnyOfTraits: at least one trait from each set must be present.
	AnyOfTraits [][]string
	// MemberOf is an AND-of-OR list: for each inner set the provider must
	// be a member of at least one listed aggregate.
	MemberOf [][]string
	// ForbiddenAggregates must not contain the provider.
	ForbiddenAggregates []string
	// InTree restricts the group to the tree containing this provider.
	InTree string
}

// Request is a full candidate search request.
type Request struct {
	// Groups maps group key -> group; DefaultGroup is the unnumbered one.
	Groups map[string]*RequestGroup
	// Limit truncates the proposal list when > 0.
	Limit       int
	GroupPolicy GroupPolicy
	// SameSubtree lists sets of group keys whose chosen providers must
	// share a common ancestor within the tree.
	SameSubtree [][]string
	// RootRequired/RootForbidden are applied to the tree root regardless
	// of group.
	RootRequired  []string
	RootForbidden []string
}

func (req *Request) numberedKeys() []string {
	var out []string
	for key := range req.Groups {
		if key != DefaultGroup {
			out = append(out, key)
		}
	}
	return out
}

// validateRequest rejects structurally invalid requests before any search
// work happens. Unknown resource classes and traits are errors; an empty
// candidate list is not.
func validateRequest(v topology.View, req *Request) error {
	if len(req.Groups) == 0 {
		return derror.ErrMalformedRequest.GenWithStackByArgs("at least one request group is required")
	}
	switch req.GroupPolicy {
	case GroupPolicyUnset, GroupPolicyNone, GroupPolicyIsolate:
	default:
		return derror.ErrMalformedRequest.GenWithStackByArgs("unknown group_policy")
	}
	if len(req.numberedKeys()) > 1 && req.GroupPolicy == GroupPolicyUnset {
		return derror.ErrGroupPolicyRequired.GenWithStackByArgs()
	}
	for _, g := range req.Groups {
		for rc, amount := range g.Resources {
			if amount < 1 {
				return derror.ErrInvalidAmount.GenWithStackByArgs(amount, rc)
			}
			if err := checkResourceClass(v, rc); err != nil {
				return err
			}
		}
		for _, name := range g.RequiredTraits {
			if err := checkTrait(v, name); err != nil {
				return err
			}
		}
		for _, name := range g.ForbiddenTraits {
			if err := checkTrait(v, name); err != nil {
				return err
			}
		}
		for _, set := range g.AnyOfTraits {
			for _, name := range set {
				if err := checkTrait(v, name); err != nil {
					return err
				}
			}
		}
		for _, set := range g.MemberOf {
			if err := checkAggregateSet(set); err != nil {
				return err
			}
		}
		if err := checkAggregateSet(g.ForbiddenAggregates); err != nil {
			return err
		}
	}
	for _, name := range req.RootRequired {
		if err := checkTrait(v, name); err != nil {
			return err
		}
	}
	for _, name := range req.RootForbidden {
		if err := checkTrait(v, name); err != nil {
			return err
		}
	}
	inSubtreeSet := make(map[string]struct{})
	for _, set := range req.SameSubtree {
		for _, key := range set {
			if _, ok := req.Groups[key]; !ok {
				return derror.ErrUnknownRequestGroup.GenWithStackByArgs(key)
			}
			inSubtreeSet[key] = struct{}{}
		}
	}
	for key, g := range req.Groups {
		if len(g.Resources) > 0 {
			continue
		}
		if _, ok := inSubtreeSet[key]; !ok {
			return derror.ErrOrphanRequestGroup.GenWithStackByArgs(key)
		}
	}
	return nil
}

func checkResourceClass(v topology.View, name string) error {
	if model.IsStandardResourceClass(name) {
		return nil
	}
	if _, err := v.GetResourceClass(name); err != nil {
		if derror.IsNotFound(err) {
			return derror.ErrUnknownResourceClass.GenWithStackByArgs(name)
		}
		return err
	}
	return nil
}

func checkTrait(v topology.View, name string) error {
	if model.IsStandardTrait(name) {
		return nil
	}
	if _, err := v.GetTrait(name); err != nil {
		if derror.IsNotFound(err) {
			return derror.ErrUnknownTrait.GenWithStackByArgs(name)
		}
		return err
	}
	return nil
}

func checkAggregateSet(set []string) error {
	seen := make(map[string]struct{}, len(set))
	for _, agg := range set {
		if _, dup := seen[agg]; dup {
			return derror.ErrDuplicateAggregate.GenWithStackByArgs(agg)
		}
		seen[agg] = struct{}{}
	}
	return nil
}
