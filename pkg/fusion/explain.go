package fusion

import "sort"

// Explain flattens a batch's modality scores into one ranked contributor list
// for decision payloads: contribution descending, ties broken by modality then
// feature name ascending, truncated to TopNFeatures. A feature's global
// contribution is its in-modality contribution scaled by the modality's
// renormalized weight and confidence, mirroring how much it actually moved
// the fused trust.
func Explain(scores map[string]ModalityScore, cfg *Config) []Contributor {
	var baseSum float64
	for modality, score := range scores {
		if score.Status == StatusOK {
			baseSum += cfg.ModalityWeights[modality]
		}
	}
	if baseSum <= 0 {
		return nil
	}

	var out []Contributor
	for modality, score := range scores {
		if score.Status != StatusOK {
			continue
		}
		scale := (cfg.ModalityWeights[modality] / baseSum) * score.Confidence
		for _, fc := range score.TopFeatures {
			out = append(out, Contributor{
				Modality:     modality,
				Feature:      fc.Feature,
				Contribution: scale * fc.Contribution,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contribution != out[j].Contribution {
			return out[i].Contribution > out[j].Contribution
		}
		if out[i].Modality != out[j].Modality {
			return out[i].Modality < out[j].Modality
		}
		return out[i].Feature < out[j].Feature
	})
	if len(out) > cfg.TopNFeatures {
		out = out[:cfg.TopNFeatures]
	}
	return out
}
