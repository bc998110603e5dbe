package placement

// AllocationRequest is one feasible way to satisfy the whole request.
// Groups that resolved to the same provider are consolidated into one
// entry of Allocations.
type AllocationRequest struct {
	// Allocations maps provider uuid -> resource class -> amount.
	Allocations map[string]map[string]int64
	// GroupMapping maps group key -> the provider chosen for it. For a
	// proposal composed across a tree plus a sharing provider the group is
	// mapped to the tree root.
	GroupMapping map[string]string
}

// SummaryResource is the remaining-capacity view of one class on one
// provider.
type SummaryResource struct {
	Capacity int64
	Used     int64
}

// ProviderSummary describes one provider referenced by the proposals.
type ProviderSummary struct {
	UUID       string
	ParentUUID string
	RootUUID   string
	Resources  map[string]SummaryResource
	Traits     []string
}

// Result is the output of a candidate search. Zero proposals is a normal,
// successful outcome.
type Result struct {
	AllocationRequests []*AllocationRequest
	Summaries          map[string]*ProviderSummary
}
