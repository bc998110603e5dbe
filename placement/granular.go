package placement

import (
	"sort"

	"github.com/tachyon-project/tachyon/pkg/topology"
)

// searchGranular handles requests with multiple groups. Every group is
// resolved to a provider of one candidate tree; the per-tree assignment
// honors the isolate policy and the same_subtree sets.
func searchGranular(v topology.View, req *Request) (*Result, error) {
	keys := make([]string, 0, len(req.Groups))
	for key := range req.Groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	global := make(map[string][]string, len(keys))
	for _, key := range keys {
		candidates, err := groupCandidates(v, req, req.Groups[key])
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return &Result{Summaries: make(map[string]*ProviderSummary)}, nil
		}
		global[key] = candidates
	}

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
		tree, err := v.ProvidersInTree(root.UUID)
		if err != nil {
			return nil, err
		}
		treeSet := make(map[string]struct{}, len(tree))
		for _, p := range tree {
			treeSet[p.UUID] = struct{}{}
		}
		perGroup := make(map[string][]string, len(keys))
		feasible := true
		for _, key := range keys {
			var within []string
			for _, uuid := range global[key] {
				if _, ok := treeSet[uuid]; ok {
					within = append(within, uuid)
				}
			}
			if len(within) == 0 {
				feasible = false
				break
			}
			perGroup[key] = within
		}
		if !feasible {
			continue
		}
		assignment, err := assignGroups(v, req, keys, perGroup)
		if err != nil {
			return nil, err
		}
		if assignment == nil {
			continue
		}
		proposal, err := buildProposal(v, req, assignment)
		if err != nil {
			return nil, err
		}
		if proposal == nil {
			continue
		}
		res.AllocationRequests = append(res.AllocationRequests, proposal)
		uuids := make([]string, 0, len(assignment))
		for _, uuid := range assignment {
			uuids = append(uuids, uuid)
		}
		if err := addSummaries(v, res.Summaries, uuids); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// groupCandidates resolves one group to the providers that can host it on
// their own: capacity for every class of the group, plus the group's trait,
// aggregate and in-tree constraints. Resourceless groups match on the
// constraints alone.
func groupCandidates(v topology.View, req *Request, group *RequestGroup) ([]string, error) {
	if len(group.Resources) > 0 {
		return singleProviderCandidates(v, req, group)
	}
	all, err := v.ListProviders()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range all {
		if p.Disabled {
			continue
		}
		ok, err := passesGroupFilters(v, p.UUID, group)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ok, err = passesRootFilters(v, p.UUID, req)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p.UUID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// assignGroups picks one provider per group by backtracking over the
// per-group candidate lists, enforcing the isolate policy between numbered
// groups and the same_subtree sets. The first satisfying assignment wins.
func assignGroups(v topology.View, req *Request, keys []string, perGroup map[string][]string) (map[string]string, error) {
	assignment := make(map[string]string, len(keys))
	ok, err := assignFrom(v, req, keys, perGroup, 0, assignment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return assignment, nil
}

func assignFrom(v topology.View, req *Request, keys []string, perGroup map[string][]string, idx int, assignment map[string]string) (bool, error) {
	if idx == len(keys) {
		return checkSameSubtree(v, req, assignment)
	}
	key := keys[idx]
	for _, uuid := range perGroup[key] {
		if req.GroupPolicy == GroupPolicyIsolate && key != DefaultGroup && isolateViolated(keys, assignment, uuid) {
			continue
		}
		assignment[key] = uuid
		ok, err := assignFrom(v, req, keys, perGroup, idx+1, assignment)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		delete(assignment, key)
	}
	return false, nil
}

func isolateViolated(keys []string, assignment map[string]string, uuid string) bool {
	for _, key := range keys {
		if key == DefaultGroup {
			continue
		}
		if assignment[key] == uuid {
			return true
		}
	}
	return false
}

// checkSameSubtree verifies that each same_subtree set's chosen providers
// share a common ancestor (a provider on all of their rootward paths, self
// included).
func checkSameSubtree(v topology.View, req *Request, assignment map[string]string) (bool, error) {
	for _, set := range req.SameSubtree {
		var common map[string]struct{}
		for _, key := range set {
			path, err := rootwardPath(v, assignment[key])
			if err != nil {
				return false, err
			}
			if common == nil {
				common = path
				continue
			}
			for uuid := range common {
				if _, ok := path[uuid]; !ok {
					delete(common, uuid)
				}
			}
		}
		if len(common) == 0 {
			return false, nil
		}
	}
	return true, nil
}

func rootwardPath(v topology.View, providerUUID string) (map[string]struct{}, error) {
	out := map[string]struct{}{providerUUID: {}}
	ancestors, err := v.AncestorsOf(providerUUID)
	if err != nil {
		return nil, err
	}
	for _, p := range ancestors {
		out[p.UUID] = struct{}{}
	}
	return out, nil
}

// buildProposal merges the per-group amounts into one allocation map and
// re-checks that each provider has availability for the combined total of
// every class. Groups landing on the same provider sum their amounts.
func buildProposal(v topology.View, req *Request, assignment map[string]string) (*AllocationRequest, error) {
	allocations := make(map[string]map[string]int64)
	mapping := make(map[string]string, len(assignment))
	for key, uuid := range assignment {
		mapping[key] = uuid
		for rc, amount := range req.Groups[key].Resources {
			addAmount(allocations, uuid, rc, amount)
		}
	}
	for uuid, amounts := range allocations {
		usages, err := v.UsagesOf(uuid)
		if err != nil {
			return nil, err
		}
		for rc, total := range amounts {
			inv, err := v.GetInventory(uuid, rc)
			if err != nil {
				return nil, ignoreNotFound(err)
			}
			if float64(total) > inv.Capacity()-float64(usages[rc]) {
				return nil, nil
			}
		}
	}
	return &AllocationRequest{Allocations: allocations, GroupMapping: mapping}, nil
}
