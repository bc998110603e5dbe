package placement

import (
	"context"
	"sort"

	"github.com/gavv/monotime"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tachyon-project/tachyon/model"
	derror "github.com/tachyon-project/tachyon/pkg/errors"
	"github.com/tachyon-project/tachyon/pkg/topology"
)

// Engine is the candidate search engine. It is stateless; every search runs
// against one consistent store snapshot.
type Engine struct {
	store topology.Store
}

// NewEngine creates an Engine over the given store.
func NewEngine(store topology.Store) *Engine {
	return &Engine{store: store}
}

// Search returns the feasible allocation proposals for the request. Finding
// none is a normal empty result; only invalid requests and store failures
// return an error.
func (e *Engine) Search(ctx context.Context, req *Request) (*Result, error) {
	start := monotime.Now()
	var res *Result
	err := e.store.View(ctx, func(v topology.View) error {
		if err := validateRequest(v, req); err != nil {
			return err
		}
		var err error
		if len(req.Groups) == 1 {
			res, err = searchSingle(v, req)
		} else {
			res, err = searchGranular(v, req)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(res.AllocationRequests) > req.Limit {
		res.AllocationRequests = res.AllocationRequests[:req.Limit]
		trimSummaries(res)
	}
	log.L().Debug("allocation candidate search finished",
		zap.Int("candidates", len(res.AllocationRequests)),
		zap.Duration("elapsed", monotime.Since(start)))
	return res, nil
}

// trimSummaries drops summaries whose tree is no longer referenced by any
// surviving proposal after limit truncation. Trees are kept whole so a
// caller can still see the siblings of a chosen provider.
func trimSummaries(res *Result) {
	keepRoots := make(map[string]struct{})
	for _, ar := range res.AllocationRequests {
		for uuid := range ar.Allocations {
			if s, ok := res.Summaries[uuid]; ok {
				keepRoots[s.RootUUID] = struct{}{}
			}
		}
	}
	for uuid, s := range res.Summaries {
		if _, ok := keepRoots[s.RootUUID]; !ok {
			delete(res.Summaries, uuid)
		}
	}
}

// searchSingle handles a request with exactly one group: first the
// single-provider fast path, then the tree+sharing composition fallback.
func searchSingle(v topology.View, req *Request) (*Result, error) {
	var (
		groupKey string
		group    *RequestGroup
	)
	for key, g := range req.Groups {
		groupKey, group = key, g
	}
	res := &Result{Summaries: make(map[string]*ProviderSummary)}
	if len(group.Resources) == 0 {
		return res, nil
	}

	survivors, err := singleProviderCandidates(v, req, group)
	if err != nil {
		return nil, err
	}
	if len(survivors) > 0 {
		for _, uuid := range survivors {
			res.AllocationRequests = append(res.AllocationRequests, &AllocationRequest{
				Allocations:  map[string]map[string]int64{uuid: copyAmounts(group.Resources)},
				GroupMapping: map[string]string{groupKey: uuid},
			})
			if err := addSummaries(v, res.Summaries, []string{uuid}); err != nil {
				return nil, err
			}
		}
		return res, nil
	}
	return composeAcrossTrees(v, req, groupKey, group)
}

// singleProviderCandidates intersects the per-class capacity sets and
// applies the group and root filters, yielding providers that can satisfy
// every requested class alone.
func singleProviderCandidates(v topology.View, req *Request, group *RequestGroup) ([]string, error) {
	var candidates map[string]struct{}
	for rc, amount := range group.Resources {
		fit, err := providersWithCapacity(v, rc, amount)
		if err != nil {
			return nil, err
		}
		if candidates == nil {
			candidates = fit
			continue
		}
		for uuid := range candidates {
			if _, ok := fit[uuid]; !ok {
				delete(candidates, uuid)
			}
		}
	}
	var out []string
	for uuid := range candidates {
		ok, err := passesGroupFilters(v, uuid, group)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ok, err = passesRootFilters(v, uuid, req)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, uuid)
		}
	}
	sort.Strings(out)
	return out, nil
}

// providersWithCapacity returns the providers whose inventory of rc has
// enough available capacity for amount, quantization included. Disabled
// providers never qualify.
func providersWithCapacity(v topology.View, rc string, amount int64) (map[string]struct{}, error) {
	all, err := v.ListProviders()
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, p := range all {
		if p.Disabled {
			continue
		}
		ok, err := hasCapacity(v, p.UUID, rc, amount)
		if err != nil {
			return nil, err
		}
		if ok {
			out[p.UUID] = struct{}{}
		}
	}
	return out, nil
}

func hasCapacity(v topology.View, providerUUID, rc string, amount int64) (bool, error) {
	inv, err := v.GetInventory(providerUUID, rc)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	usages, err := v.UsagesOf(providerUUID)
	if err != nil {
		return false, err
	}
	return inv.HasCapacityFor(amount, usages[rc]), nil
}

// passesGroupFilters applies the group's trait, aggregate and in-tree
// constraints to a single provider.
func passesGroupFilters(v topology.View, providerUUID string, group *RequestGroup) (bool, error) {
	traits, err := traitSet(v, providerUUID)
	if err != nil {
		return false, err
	}
	for _, name := range group.RequiredTraits {
		if _, ok := traits[name]; !ok {
			return false, nil
		}
	}
	for _, name := range group.ForbiddenTraits {
		if _, ok := traits[name]; ok {
			return false, nil
		}
	}
	for _, set := range group.AnyOfTraits {
		if !intersects(traits, set) {
			return false, nil
		}
	}
	aggs, err := aggregateSet(v, providerUUID)
	if err != nil {
		return false, err
	}
	for _, set := range group.MemberOf {
		if !intersects(aggs, set) {
			return false, nil
		}
	}
	if intersects(aggs, group.ForbiddenAggregates) {
		return false, nil
	}
	if group.InTree != "" {
		same, err := sameTree(v, providerUUID, group.InTree)
		if err != nil || !same {
			return false, err
		}
	}
	return true, nil
}

// passesRootFilters applies the request's root-level trait constraints to
// the root of the provider's tree.
func passesRootFilters(v topology.View, providerUUID string, req *Request) (bool, error) {
	if len(req.RootRequired) == 0 && len(req.RootForbidden) == 0 {
		return true, nil
	}
	root, err := v.RootOf(providerUUID)
	if err != nil {
		return false, err
	}
	traits, err := traitSet(v, root.UUID)
	if err != nil {
		return false, err
	}
	for _, name := range req.RootRequired {
		if _, ok := traits[name]; !ok {
			return false, nil
		}
	}
	for _, name := range req.RootForbidden {
		if _, ok := traits[name]; ok {
			return false, nil
		}
	}
	return true, nil
}

// composeAcrossTrees is the fallback when no single provider covers every
// class: per candidate tree, classes are covered by in-tree providers, and
// classes still unmet may be covered by at most one sharing provider that
// is aggregate-linked to the tree.
func composeAcrossTrees(v topology.View, req *Request, groupKey string, group *RequestGroup) (*Result, error) {
	res := &Result{Summaries: make(map[string]*ProviderSummary)}
	roots, err := treeRoots(v)
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		ok, err := passesRootFilters(v, root.UUID, req)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if group.InTree != "" {
			same, err := sameTree(v, root.UUID, group.InTree)
			if err != nil {
				return nil, err
			}
			if !same {
				continue
			}
		}
		proposal, contributors, err := composeTree(v, root, group)
		if err != nil {
			return nil, err
		}
		if proposal == nil {
			continue
		}
		proposal.GroupMapping = map[string]string{groupKey: root.UUID}
		res.AllocationRequests = append(res.AllocationRequests, proposal)
		tree, err := v.ProvidersInTree(root.UUID)
		if err != nil {
			return nil, err
		}
		uuids := make([]string, 0, len(tree)+1)
		for _, p := range tree {
			uuids = append(uuids, p.UUID)
		}
		uuids = append(uuids, contributors...)
		if err := addSummaries(v, res.Summaries, uuids); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// composeTree covers the group's classes with providers of one tree plus at
// most one sharing provider. Required traits must be carried collectively
// by the contributors; forbidden traits and aggregates bind every
// contributor individually.
func composeTree(v topology.View, root *model.ResourceProvider, group *RequestGroup) (*AllocationRequest, []string, error) {
	tree, err := v.ProvidersInTree(root.UUID)
	if err != nil {
		return nil, nil, err
	}
	allocations := make(map[string]map[string]int64)
	var unmet []string
	for rc, amount := range group.Resources {
		contributor := ""
		for _, p := range tree {
			if p.Disabled {
				continue
			}
			ok, err := hasCapacity(v, p.UUID, rc, amount)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
			ok, err = contributorAllowed(v, p.UUID, group)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				contributor = p.UUID
				break
			}
		}
		if contributor == "" {
			unmet = append(unmet, rc)
			continue
		}
		addAmount(allocations, contributor, rc, amount)
	}
	var sharing []string
	if len(unmet) > 0 {
		sort.Strings(unmet)
		shareUUID, err := findSharingProvider(v, tree, group, unmet)
		if err != nil {
			return nil, nil, err
		}
		if shareUUID == "" {
			return nil, nil, nil
		}
		for _, rc := range unmet {
			addAmount(allocations, shareUUID, rc, group.Resources[rc])
		}
		sharing = append(sharing, shareUUID)
	}
	ok, err := requiredTraitsCovered(v, allocations, group.RequiredTraits)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	ok, err = memberOfCovered(v, allocations, group.MemberOf)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	return &AllocationRequest{Allocations: allocations}, sharing, nil
}

// contributorAllowed checks the per-provider constraints that bind every
// contributor of a composed proposal: forbidden traits, any-of trait sets
// and forbidden aggregates.
func contributorAllowed(v topology.View, providerUUID string, group *RequestGroup) (bool, error) {
	traits, err := traitSet(v, providerUUID)
	if err != nil {
		return false, err
	}
	for _, name := range group.ForbiddenTraits {
		if _, ok := traits[name]; ok {
			return false, nil
		}
	}
	for _, set := range group.AnyOfTraits {
		if !intersects(traits, set) {
			return false, nil
		}
	}
	aggs, err := aggregateSet(v, providerUUID)
	if err != nil {
		return false, err
	}
	if intersects(aggs, group.ForbiddenAggregates) {
		return false, nil
	}
	return true, nil
}

// findSharingProvider looks for a provider carrying the sharing trait,
// aggregate-linked to the tree, with capacity for every unmet class at
// once.
func findSharingProvider(v topology.View, tree []*model.ResourceProvider, group *RequestGroup, unmet []string) (string, error) {
	treeSet := make(map[string]struct{}, len(tree))
	treeAggs := make(map[string]struct{})
	for _, p := range tree {
		treeSet[p.UUID] = struct{}{}
		aggs, err := v.AggregatesOf(p.UUID)
		if err != nil {
			return "", err
		}
		for _, agg := range aggs {
			treeAggs[agg] = struct{}{}
		}
	}
	sharers, err := v.ProvidersWithTrait(model.TraitSharesViaAggregate)
	if err != nil {
		return "", err
	}
	for _, uuid := range sharers {
		if _, inTree := treeSet[uuid]; inTree {
			continue
		}
		p, err := v.GetProvider(uuid)
		if err != nil {
			return "", err
		}
		if p.Disabled {
			continue
		}
		aggs, err := v.AggregatesOf(uuid)
		if err != nil {
			return "", err
		}
		linked := false
		for _, agg := range aggs {
			if _, ok := treeAggs[agg]; ok {
				linked = true
				break
			}
		}
		if !linked {
			continue
		}
		ok, err := contributorAllowed(v, uuid, group)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		fitsAll := true
		for _, rc := range unmet {
			ok, err := hasCapacity(v, uuid, rc, group.Resources[rc])
			if err != nil {
				return "", err
			}
			if !ok {
				fitsAll = false
				break
			}
		}
		if fitsAll {
			return uuid, nil
		}
	}
	return "", nil
}

func requiredTraitsCovered(v topology.View, allocations map[string]map[string]int64, required []string) (bool, error) {
	if len(required) == 0 {
		return true, nil
	}
	covered := make(map[string]struct{})
	for uuid := range allocations {
		traits, err := v.TraitsOf(uuid)
		if err != nil {
			return false, err
		}
		for _, name := range traits {
			covered[name] = struct{}{}
		}
	}
	for _, name := range required {
		if _, ok := covered[name]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func memberOfCovered(v topology.View, allocations map[string]map[string]int64, memberOf [][]string) (bool, error) {
	if len(memberOf) == 0 {
		return true, nil
	}
	union := make(map[string]struct{})
	for uuid := range allocations {
		aggs, err := v.AggregatesOf(uuid)
		if err != nil {
			return false, err
		}
		for _, agg := range aggs {
			union[agg] = struct{}{}
		}
	}
	for _, set := range memberOf {
		if !intersects(union, set) {
			return false, nil
		}
	}
	return true, nil
}

// ---- small helpers ----

func treeRoots(v topology.View) ([]*model.ResourceProvider, error) {
	all, err := v.ListProviders()
	if err != nil {
		return nil, err
	}
	var out []*model.ResourceProvider
	for _, p := range all {
		if p.IsRoot() {
			out = append(out, p)
		}
	}
	return out, nil
}

func sameTree(v topology.View, a, b string) (bool, error) {
	rootA, err := v.RootOf(a)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	rootB, err := v.RootOf(b)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	return rootA.UUID == rootB.UUID, nil
}

func traitSet(v topology.View, providerUUID string) (map[string]struct{}, error) {
	traits, err := v.TraitsOf(providerUUID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(traits))
	for _, name := range traits {
		out[name] = struct{}{}
	}
	return out, nil
}

func aggregateSet(v topology.View, providerUUID string) (map[string]struct{}, error) {
	aggs, err := v.AggregatesOf(providerUUID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(aggs))
	for _, agg := range aggs {
		out[agg] = struct{}{}
	}
	return out, nil
}

func intersects(set map[string]struct{}, names []string) bool {
	for _, name := range names {
		if _, ok := set[name]; ok {
			return true
		}
	}
	return false
}

func copyAmounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for rc, amount := range in {
		out[rc] = amount
	}
	return out
}

func addAmount(allocations map[string]map[string]int64, providerUUID, rc string, amount int64) {
	if allocations[providerUUID] == nil {
		allocations[providerUUID] = make(map[string]int64)
	}
	allocations[providerUUID][rc] += amount
}

func ignoreNotFound(err error) error {
	if derror.IsNotFound(err) {
		return nil
	}
	return err
}
