package fusion

import (
	"math"
	"sort"
)

// SchemaVersion is the feature schema generation this engine speaks. Baselines
// trained against another generation are treated as unavailable rather than
// scored against mismatched features.
const SchemaVersion = 1

// FeatureState distinguishes "measured", "not supplied" and "unusable".
// Absent is never conflated with a zero measurement: a user who typed nothing
// is not a user who typed exactly at baseline.
type FeatureState uint8

const (
	FeatureAbsent FeatureState = iota
	FeaturePresent
	FeatureInvalid
)

// FeatureValue is one normalized feature slot.
type FeatureValue struct {
	Value float64
	State FeatureState
}

// FeatureSpec documents a feature's physical valid range and whether the
// scorer needs it for a fresh score.
type FeatureSpec struct {
	Min      float64
	Max      float64
	Required bool
}

// SchemaError reports a batch fragment the engine does not understand. It is
// batch-local: the offending modality is skipped, processing continues.
type SchemaError struct {
	Modality string
	Reason   string
}

func (e *SchemaError) Error() string {
	return "fusion: schema error for modality " + e.Modality + ": " + e.Reason
}

// schemas fixes the per-modality feature universe. Clip ranges are physical
// bounds; behavioral norms live in the baselines.
var schemas = map[string]map[string]FeatureSpec{
	ModalityKeystroke: {
		"typing_speed":       {Min: 0, Max: 20, Required: true},
		"dwell_mean_ms":      {Min: 0, Max: 2000, Required: true},
		"flight_mean_ms":     {Min: 0, Max: 3000, Required: true},
		"rhythm_variability": {Min: 0, Max: 1, Required: true},
		"error_rate":         {Min: 0, Max: 1},
		"pattern_regularity": {Min: 0, Max: 1},
	},
	ModalityGaze: {
		"attention_score":      {Min: 0, Max: 1, Required: true},
		"gaze_stability":       {Min: 0, Max: 1, Required: true},
		"distraction_freq":     {Min: 0, Max: 10, Required: true},
		"fixation_duration_ms": {Min: 0, Max: 5000},
	},
	ModalityPose: {
		"head_movement":       {Min: 0, Max: 1, Required: true},
		"posture_changes":     {Min: 0, Max: 10, Required: true},
		"movement_smoothness": {Min: 0, Max: 1, Required: true},
		"gesture_frequency":   {Min: 0, Max: 10},
		"fidgeting_score":     {Min: 0, Max: 1},
		"activity_level":      {Min: 0, Max: 1},
	},
	ModalityEmotion: {
		"emotion_variability":   {Min: 0, Max: 1, Required: true},
		"expressiveness":        {Min: 0, Max: 1, Required: true},
		"emotion_consistency":   {Min: 0, Max: 1, Required: true},
		"micro_expression_freq": {Min: 0, Max: 10},
	},
}

// Schema returns the feature specs for a modality, or false for an unknown
// modality name.
func Schema(modality string) (map[string]FeatureSpec, bool) {
	s, ok := schemas[modality]
	return s, ok
}

// SchemaFeatures returns a modality's feature names sorted ascending, for
// deterministic iteration.
func SchemaFeatures(modality string) []string {
	s, ok := schemas[modality]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize maps a raw modality payload onto the fixed schema: unknown
// features are dropped, missing ones marked absent, non-finite values marked
// invalid, finite values clipped into the documented range. Pure function;
// normalizing an already-normalized vector is a no-op. Unknown modalities
// yield a *SchemaError.
func Normalize(modality string, raw map[string]float64) (map[string]FeatureValue, error) {
	schema, ok := schemas[modality]
	if !ok {
		return nil, &SchemaError{Modality: modality, Reason: "unknown modality"}
	}
	out := make(map[string]FeatureValue, len(schema))
	for name, spec := range schema {
		v, present := raw[name]
		switch {
		case !present:
			out[name] = FeatureValue{State: FeatureAbsent}
		case math.IsNaN(v) || math.IsInf(v, 0):
			out[name] = FeatureValue{State: FeatureInvalid}
		default:
			out[name] = FeatureValue{Value: clip(v, spec.Min, spec.Max), State: FeaturePresent}
		}
	}
	return out, nil
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
