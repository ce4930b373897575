package fusion

import (
	"math"
	"sort"
	"time"
)

// PreviousScore carries a modality's last real score so the scorer can repeat
// it when a batch arrives with too little evidence to score fresh.
type PreviousScore struct {
	Anomaly float64
	At      time.Time
	Valid   bool
}

// ModalityScorer scores one modality's normalized vectors against a user
// baseline. Deterministic for identical input and baseline; higher deviation
// from baseline never lowers the anomaly.
type ModalityScorer struct {
	modality string
	cfg      *Config
}

// NewModalityScorer builds a scorer bound to one modality.
func NewModalityScorer(modality string, cfg *Config) *ModalityScorer {
	return &ModalityScorer{modality: modality, cfg: cfg}
}

// Score evaluates a normalized vector. at is the batch timestamp, used for
// the carry-forward staleness check; wall clock never enters the math.
//
// Outcomes:
//   - no usable baseline: Status no_baseline, confidence 0, anomaly undefined;
//   - under MinFeatureFraction of required features: confidence 0 and either
//     the previous anomaly carried forward (if fresh enough) or Status
//     insufficient;
//   - otherwise a fresh score with per-feature contributions.
func (s *ModalityScorer) Score(vec map[string]FeatureValue, baseline *Baseline, prev PreviousScore, at time.Time) ModalityScore {
	out := ModalityScore{Modality: s.modality}

	if baseline == nil || len(baseline.Features) == 0 || baseline.SchemaVersion != SchemaVersion {
		out.Status = StatusNoBaseline
		return out
	}

	schema := schemas[s.modality]
	requiredTotal, requiredPresent := 0, 0
	for name, spec := range schema {
		if !spec.Required {
			continue
		}
		requiredTotal++
		if vec[name].State == FeaturePresent {
			requiredPresent++
		}
	}
	completeness := 0.0
	if requiredTotal > 0 {
		completeness = float64(requiredPresent) / float64(requiredTotal)
	}
	if completeness < s.cfg.MinFeatureFraction {
		return s.degrade(out, prev, at)
	}

	// Deterministic iteration: feature names ascending.
	names := make([]string, 0, len(vec))
	for name, fv := range vec {
		if fv.State == FeaturePresent {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var zSum float64
	contribs := make([]FeatureContribution, 0, len(names))
	scored := 0
	for _, name := range names {
		stat, ok := baseline.Features[name]
		if !ok || stat.Std <= 0 {
			continue
		}
		z := math.Abs(vec[name].Value-stat.Mean) / stat.Std
		zSum += z
		scored++
		contribs = append(contribs, FeatureContribution{
			Feature:      name,
			Contribution: 1 - math.Exp(-z/2),
		})
	}
	if scored == 0 {
		// Features present but the baseline covers none of them.
		return s.degrade(out, prev, at)
	}

	meanZ := zSum / float64(scored)
	out.Status = StatusOK
	out.Anomaly = 1 - math.Exp(-meanZ/2)
	out.Confidence = completeness * sampleSufficiency(baseline.SampleCount)
	out.TopFeatures = topContributions(contribs, s.cfg.TopNFeatures)
	return out
}

// degrade resolves the too-little-evidence paths: carry the previous anomaly
// forward while it is fresh, else report the modality absent for the cycle.
func (s *ModalityScorer) degrade(out ModalityScore, prev PreviousScore, at time.Time) ModalityScore {
	if prev.Valid && at.Sub(prev.At) <= s.cfg.StalenessWindow {
		out.Status = StatusCarriedForward
		out.Anomaly = prev.Anomaly
		return out
	}
	out.Status = StatusInsufficient
	return out
}

// sampleSufficiency maps baseline sample counts onto [0,1); ~150 samples is
// near full confidence.
func sampleSufficiency(n int) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(n)/50.0)
}

// topContributions sorts by contribution descending, ties by feature name
// ascending, and truncates to n.
func topContributions(contribs []FeatureContribution, n int) []FeatureContribution {
	sort.Slice(contribs, func(i, j int) bool {
		if contribs[i].Contribution != contribs[j].Contribution {
			return contribs[i].Contribution > contribs[j].Contribution
		}
		return contribs[i].Feature < contribs[j].Feature
	})
	if len(contribs) > n {
		contribs = contribs[:n]
	}
	return contribs
}
