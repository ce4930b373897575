package fusion

// FusionEngine combines the surviving per-modality scores into one trust
// value. Modalities weigh in proportional to their configured base weight
// renormalized over the modalities present in the batch, scaled by their
// confidence, so losing a modality never silently zeroes out trust.
type FusionEngine struct {
	cfg *Config
}

// NewFusionEngine builds the fusion step for a config.
func NewFusionEngine(cfg *Config) *FusionEngine {
	return &FusionEngine{cfg: cfg}
}

// Fuse returns the updated trust, the overall batch confidence (mean over the
// fused modalities) and how many modalities contributed. With nothing above
// the confidence floor the previous trust is returned exactly unchanged.
func (f *FusionEngine) Fuse(scores map[string]ModalityScore, prevTrust float64) (float64, float64, int) {
	type fusable struct {
		weight     float64
		confidence float64
		anomaly    float64
	}
	var present []fusable
	var baseSum float64
	for modality, score := range scores {
		if score.Status != StatusOK && score.Status != StatusCarriedForward {
			continue // anomaly undefined or modality absent
		}
		if score.Confidence < f.cfg.ConfidenceFloor {
			continue
		}
		w := f.cfg.ModalityWeights[modality]
		if w <= 0 {
			continue
		}
		present = append(present, fusable{weight: w, confidence: score.Confidence, anomaly: score.Anomaly})
		baseSum += w
	}
	if len(present) == 0 || baseSum <= 0 {
		return prevTrust, 0, 0
	}

	var num, den, confSum float64
	for _, p := range present {
		eff := (p.weight / baseSum) * p.confidence
		if eff <= 0 {
			continue
		}
		num += eff * (1 - p.anomaly)
		den += eff
		confSum += p.confidence
	}
	if den <= 0 {
		return prevTrust, 0, 0
	}

	computed := num / den
	trust := f.cfg.DecayAlpha*computed + (1-f.cfg.DecayAlpha)*prevTrust
	return clip(trust, 0, 1), confSum / float64(len(present)), len(present)
}
