package fusion

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scoreAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func keystrokeBaseline(samples int) *Baseline {
	return &Baseline{
		UserID:        "u1",
		Modality:      ModalityKeystroke,
		SampleCount:   samples,
		SchemaVersion: SchemaVersion,
		Features: map[string]FeatureStat{
			"typing_speed":       {Mean: 5, Std: 1},
			"dwell_mean_ms":      {Mean: 120, Std: 20},
			"flight_mean_ms":     {Mean: 200, Std: 40},
			"rhythm_variability": {Mean: 0.3, Std: 0.1},
		},
	}
}

func atBaselineRaw() map[string]float64 {
	return map[string]float64{
		"typing_speed":       5,
		"dwell_mean_ms":      120,
		"flight_mean_ms":     200,
		"rhythm_variability": 0.3,
	}
}

func mustNormalize(t *testing.T, modality string, raw map[string]float64) map[string]FeatureValue {
	t.Helper()
	vec, err := Normalize(modality, raw)
	require.NoError(t, err)
	return vec
}

func TestScoreAtBaselineIsZeroAnomaly(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewModalityScorer(ModalityKeystroke, &cfg)
	vec := mustNormalize(t, ModalityKeystroke, atBaselineRaw())

	score := scorer.Score(vec, keystrokeBaseline(200), PreviousScore{}, scoreAt)

	assert.Equal(t, StatusOK, score.Status)
	assert.InDelta(t, 0, score.Anomaly, 1e-12)
	// Full required completeness, 200 samples: 1 - exp(-4).
	assert.InDelta(t, 1-math.Exp(-4), score.Confidence, 1e-9)
}

func TestScoreMonotoneInDeviation(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewModalityScorer(ModalityKeystroke, &cfg)
	baseline := keystrokeBaseline(200)

	prev := -1.0
	for _, dev := range []float64{0, 0.5, 1, 2, 4, 8} {
		raw := atBaselineRaw()
		raw["typing_speed"] = 5 + dev
		score := scorer.Score(mustNormalize(t, ModalityKeystroke, raw), baseline, PreviousScore{}, scoreAt)
		require.Equal(t, StatusOK, score.Status)
		assert.GreaterOrEqual(t, score.Anomaly, prev, "deviation %v must not lower anomaly", dev)
		assert.Less(t, score.Anomaly, 1.0)
		prev = score.Anomaly
	}
}

func TestScoreDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewModalityScorer(ModalityKeystroke, &cfg)
	baseline := keystrokeBaseline(80)
	raw := atBaselineRaw()
	raw["dwell_mean_ms"] = 170

	a := scorer.Score(mustNormalize(t, ModalityKeystroke, raw), baseline, PreviousScore{}, scoreAt)
	b := scorer.Score(mustNormalize(t, ModalityKeystroke, raw), baseline, PreviousScore{}, scoreAt)

	assert.Equal(t, a, b)
}

func TestScoreTopFeatureTiesBreakByName(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewModalityScorer(ModalityKeystroke, &cfg)
	baseline := keystrokeBaseline(200)

	// Equal z for two features: exactly one std above the mean each.
	raw := atBaselineRaw()
	raw["typing_speed"] = 6    // z = 1
	raw["dwell_mean_ms"] = 140 // z = 1
	score := scorer.Score(mustNormalize(t, ModalityKeystroke, raw), baseline, PreviousScore{}, scoreAt)

	require.Equal(t, StatusOK, score.Status)
	require.GreaterOrEqual(t, len(score.TopFeatures), 2)
	assert.Equal(t, "dwell_mean_ms", score.TopFeatures[0].Feature)
	assert.Equal(t, "typing_speed", score.TopFeatures[1].Feature)
	assert.Equal(t, score.TopFeatures[0].Contribution, score.TopFeatures[1].Contribution)
}

func TestScoreThinBatchCarriesForward(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewModalityScorer(ModalityKeystroke, &cfg)
	baseline := keystrokeBaseline(200)

	// 1 of 4 required features: under the minimum fraction.
	vec := mustNormalize(t, ModalityKeystroke, map[string]float64{"typing_speed": 9})

	fresh := PreviousScore{Anomaly: 0.42, At: scoreAt.Add(-10 * time.Second), Valid: true}
	score := scorer.Score(vec, baseline, fresh, scoreAt)
	assert.Equal(t, StatusCarriedForward, score.Status)
	assert.Equal(t, 0.42, score.Anomaly)
	assert.Zero(t, score.Confidence)

	stale := PreviousScore{Anomaly: 0.42, At: scoreAt.Add(-40 * time.Second), Valid: true}
	score = scorer.Score(vec, baseline, stale, scoreAt)
	assert.Equal(t, StatusInsufficient, score.Status)
	assert.Zero(t, score.Confidence)

	score = scorer.Score(vec, baseline, PreviousScore{}, scoreAt)
	assert.Equal(t, StatusInsufficient, score.Status)
}

func TestScoreWithoutBaseline(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewModalityScorer(ModalityKeystroke, &cfg)
	vec := mustNormalize(t, ModalityKeystroke, atBaselineRaw())

	score := scorer.Score(vec, nil, PreviousScore{}, scoreAt)
	assert.Equal(t, StatusNoBaseline, score.Status)
	assert.Zero(t, score.Confidence)

	// A baseline from another schema generation is unusable, not mis-scored.
	wrongGen := keystrokeBaseline(200)
	wrongGen.SchemaVersion = SchemaVersion + 1
	score = scorer.Score(vec, wrongGen, PreviousScore{}, scoreAt)
	assert.Equal(t, StatusNoBaseline, score.Status)
}

func TestScoreSkipsDegenerateStats(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewModalityScorer(ModalityKeystroke, &cfg)
	baseline := keystrokeBaseline(200)
	baseline.Features["typing_speed"] = FeatureStat{Mean: 5, Std: 0}

	raw := atBaselineRaw()
	raw["typing_speed"] = 19 // wildly off a zero-variance stat
	score := scorer.Score(mustNormalize(t, ModalityKeystroke, raw), baseline, PreviousScore{}, scoreAt)

	require.Equal(t, StatusOK, score.Status)
	// The degenerate feature cannot contribute; everything else is at mean.
	assert.InDelta(t, 0, score.Anomaly, 1e-12)
	for _, fc := range score.TopFeatures {
		assert.NotEqual(t, "typing_speed", fc.Feature)
	}
}

func TestScoreBoundedForExtremeInput(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewModalityScorer(ModalityKeystroke, &cfg)
	baseline := keystrokeBaseline(10_000)

	raw := map[string]float64{
		"typing_speed":       1e12,
		"dwell_mean_ms":      -1e12,
		"flight_mean_ms":     1e12,
		"rhythm_variability": 1e12,
	}
	score := scorer.Score(mustNormalize(t, ModalityKeystroke, raw), baseline, PreviousScore{}, scoreAt)

	require.Equal(t, StatusOK, score.Status)
	assert.GreaterOrEqual(t, score.Anomaly, 0.0)
	assert.LessOrEqual(t, score.Anomaly, 1.0)
	assert.GreaterOrEqual(t, score.Confidence, 0.0)
	assert.LessOrEqual(t, score.Confidence, 1.0)
}
