package placement

import (
	"github.com/tachyon-project/tachyon/pkg/topology"
)

// addSummaries fills in the summaries for the given providers, skipping
// the ones already present. Capacity is reported rounded down to whole
// units of each class.
func addSummaries(v topology.View, summaries map[string]*ProviderSummary, uuids []string) error {
	for _, uuid := range uuids {
		if _, done := summaries[uuid]; done {
			continue
		}
		p, err := v.GetProvider(uuid)
		if err != nil {
			return err
		}
		root, err := v.RootOf(uuid)
		if err != nil {
			return err
		}
		traits, err := v.TraitsOf(uuid)
		if err != nil {
			return err
		}
		invs, err := v.InventoriesOf(uuid)
		if err != nil {
			return err
		}
		usages, err := v.UsagesOf(uuid)
		if err != nil {
			return err
		}
		resources := make(map[string]SummaryResource, len(invs))
		for rc, inv := range invs {
			resources[rc] = SummaryResource{
				Capacity: int64(inv.Capacity()),
				Used:     usages[rc],
			}
		}
		summaries[uuid] = &ProviderSummary{
			UUID:       uuid,
			ParentUUID: p.ParentUUID,
			RootUUID:   root.UUID,
			Resources:  resources,
			Traits:     traits,
		}
	}
	return nil
}
