package optimization

import "sort"

// AssetWeight pairs an asset with its allocation.
type AssetWeight struct {
	Asset  string  `json:"asset"`
	Weight float64 `json:"weight"`
}

// SortedWeights returns the allocations ordered by weight, largest first.
// Ties are ordered by asset id.
func (r *PortfolioResult) SortedWeights() []AssetWeight {
	return sortWeights(r.Assets, r.Weights)
}

// WeightMap returns the allocations keyed by asset id.
func (r *PortfolioResult) WeightMap() map[string]float64 {
	m := make(map[string]float64, len(r.Assets))
	for i, id := range r.Assets {
		m[id] = r.Weights[i]
	}
	return m
}

func sortWeights(assets []string, weights []float64) []AssetWeight {
	out := make([]AssetWeight, len(assets))
	for i, id := range assets {
		out[i] = AssetWeight{Asset: id, Weight: weights[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}
