package fusion

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// testBaselines covers user u1 on every modality with 200-sample baselines.
func testBaselines() StaticBaselines {
	stats := map[string]map[string]FeatureStat{
		ModalityKeystroke: {
			"typing_speed":       {Mean: 5, Std: 1},
			"dwell_mean_ms":      {Mean: 120, Std: 20},
			"flight_mean_ms":     {Mean: 200, Std: 40},
			"rhythm_variability": {Mean: 0.3, Std: 0.1},
		},
		ModalityGaze: {
			"attention_score":  {Mean: 0.7, Std: 0.1},
			"gaze_stability":   {Mean: 0.6, Std: 0.15},
			"distraction_freq": {Mean: 3, Std: 1},
		},
		ModalityPose: {
			"head_movement":       {Mean: 0.3, Std: 0.1},
			"posture_changes":     {Mean: 2, Std: 1},
			"movement_smoothness": {Mean: 0.7, Std: 0.1},
		},
		ModalityEmotion: {
			"emotion_variability": {Mean: 0.4, Std: 0.1},
			"expressiveness":      {Mean: 0.5, Std: 0.15},
			"emotion_consistency": {Mean: 0.7, Std: 0.1},
		},
	}
	out := StaticBaselines{"u1": map[string]*Baseline{}}
	for modality, features := range stats {
		out["u1"][modality] = &Baseline{
			UserID:        "u1",
			Modality:      modality,
			Features:      features,
			SampleCount:   200,
			SchemaVersion: SchemaVersion,
			TrainedAt:     t0.Add(-24 * time.Hour),
		}
	}
	return out
}

// anomalyZ returns the per-feature z that makes the scorer report the given
// anomaly when every required feature sits exactly z stds from its mean.
func anomalyZ(anomaly float64) float64 {
	return -2 * math.Log(1-anomaly)
}

func keystrokeAt(z float64) map[string]float64 {
	return map[string]float64{
		"typing_speed":       5 + z*1,
		"dwell_mean_ms":      120 + z*20,
		"flight_mean_ms":     200 + z*40,
		"rhythm_variability": 0.3 + z*0.1,
	}
}

func keystrokeBatch(session string, ts time.Time, z float64) FeatureBatch {
	return FeatureBatch{
		SessionID:  session,
		UserID:     "u1",
		Timestamp:  ts,
		Modalities: map[string]map[string]float64{ModalityKeystroke: keystrokeAt(z)},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(DefaultConfig(), testBaselines())
	require.NoError(t, err)
	return eng
}

func TestEngineRejectsBadConstruction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayAlpha = 0
	_, err := NewEngine(cfg, testBaselines())
	assert.Error(t, err)

	_, err = NewEngine(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestEngineSingleAnomalousBatch(t *testing.T) {
	eng := newTestEngine(t)

	res, err := eng.ProcessBatch(keystrokeBatch("s1", t0, anomalyZ(0.1)))
	require.NoError(t, err)

	// Fresh session seeds at 0.8; trust = 0.3*(1-0.1) + 0.7*0.8.
	assert.InDelta(t, 0.83, res.Trust, 1e-6)
	assert.Equal(t, 0.8, res.PreviousTrust)
	assert.Equal(t, StateNormal, res.State)
	assert.Equal(t, ActionNone, res.Action)
	assert.Nil(t, res.Explanation, "no action, no explanation")
	assert.Equal(t, RiskLow, res.Risk)
	assert.Equal(t, 300, res.RecheckIntervalSec)

	score := res.Scores[ModalityKeystroke]
	assert.Equal(t, StatusOK, score.Status)
	assert.InDelta(t, 0.1, score.Anomaly, 1e-9)
	assert.InDelta(t, 1-math.Exp(-4), score.Confidence, 1e-9)
	assert.NotEmpty(t, score.TopFeatures)
}

func TestEngineSustainedAnomalyEscalates(t *testing.T) {
	eng := newTestEngine(t)

	wantTrust := 0.8
	for i := 1; i <= 10; i++ {
		res, err := eng.ProcessBatch(keystrokeBatch("s1", t0.Add(time.Duration(i)*5*time.Second), anomalyZ(0.9)))
		require.NoError(t, err)

		wantTrust = 0.3*0.1 + 0.7*wantTrust
		assert.InDelta(t, wantTrust, res.Trust, 1e-9, "batch %d", i)

		switch {
		case i <= 2:
			assert.Equal(t, StateNormal, res.State, "batch %d", i)
			assert.Equal(t, ActionNone, res.Action, "batch %d", i)
		case i <= 5:
			assert.Equal(t, StateWarned, res.State, "batch %d", i)
			assert.Equal(t, ActionWarn, res.Action, "batch %d", i)
			assert.NotEmpty(t, res.Explanation, "batch %d", i)
		default:
			assert.Equal(t, StateReauthNeeded, res.State, "batch %d", i)
			assert.Equal(t, ActionForceReauth, res.Action, "batch %d", i)
			assert.NotEmpty(t, res.Explanation, "batch %d", i)
		}
		assert.False(t, res.DriftFlag, "too little history for drift at batch %d", i)
	}

	view, err := eng.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, StateReauthNeeded, view.State)
	assert.Equal(t, RiskHigh, view.Risk)
	assert.Equal(t, uint64(10), view.BatchCount)
}

func TestEngineAbsentBatchHoldsTrust(t *testing.T) {
	eng := newTestEngine(t)

	res1, err := eng.ProcessBatch(keystrokeBatch("s1", t0, 0))
	require.NoError(t, err)
	// At baseline: computed 1.0, trust = 0.3 + 0.7*0.8.
	assert.InDelta(t, 0.94, res1.Trust, 1e-9)

	// No modalities at all.
	res2, err := eng.ProcessBatch(FeatureBatch{
		SessionID:  "s1",
		UserID:     "u1",
		Timestamp:  t0.Add(5 * time.Second),
		Modalities: map[string]map[string]float64{},
	})
	require.NoError(t, err)
	assert.Equal(t, res1.Trust, res2.Trust, "held trust must be bitwise identical")
	assert.Zero(t, res2.Confidence)
	assert.Equal(t, StateNormal, res2.State)
	assert.Equal(t, ActionNone, res2.Action)

	// Modality key present but every feature missing, long enough after the
	// last real score that nothing is left to carry forward.
	res3, err := eng.ProcessBatch(FeatureBatch{
		SessionID:  "s1",
		UserID:     "u1",
		Timestamp:  t0.Add(40 * time.Second),
		Modalities: map[string]map[string]float64{ModalityKeystroke: {}},
	})
	require.NoError(t, err)
	assert.Equal(t, res1.Trust, res3.Trust)
	assert.Equal(t, StatusInsufficient, res3.Scores[ModalityKeystroke].Status)

	view, err := eng.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), view.BatchCount, "held batches still advance the session")
}

func TestEngineThinBatchCarriesForward(t *testing.T) {
	eng := newTestEngine(t)

	res1, err := eng.ProcessBatch(keystrokeBatch("s1", t0, anomalyZ(0.4)))
	require.NoError(t, err)
	// trust = 0.3*0.6 + 0.7*0.8.
	assert.InDelta(t, 0.74, res1.Trust, 1e-9)

	// One of four required features: carried forward at zero confidence,
	// which keeps it out of fusion.
	res2, err := eng.ProcessBatch(FeatureBatch{
		SessionID:  "s1",
		UserID:     "u1",
		Timestamp:  t0.Add(5 * time.Second),
		Modalities: map[string]map[string]float64{ModalityKeystroke: {"typing_speed": 9}},
	})
	require.NoError(t, err)

	score := res2.Scores[ModalityKeystroke]
	assert.Equal(t, StatusCarriedForward, score.Status)
	assert.InDelta(t, 0.4, score.Anomaly, 1e-9)
	assert.Zero(t, score.Confidence)
	assert.Equal(t, res1.Trust, res2.Trust)
}

func TestEngineUnknownUserScoresNothing(t *testing.T) {
	eng := newTestEngine(t)

	batch := keystrokeBatch("s1", t0, 0)
	batch.UserID = "stranger"
	res, err := eng.ProcessBatch(batch)
	require.NoError(t, err)

	assert.Equal(t, StatusNoBaseline, res.Scores[ModalityKeystroke].Status)
	assert.Equal(t, 0.8, res.Trust, "seed trust holds without baselines")
	assert.Zero(t, res.Confidence)
	assert.Equal(t, StateNormal, res.State)
}

func TestEngineUnknownModalityIsBatchLocal(t *testing.T) {
	eng := newTestEngine(t)

	res, err := eng.ProcessBatch(FeatureBatch{
		SessionID: "s1",
		UserID:    "u1",
		Timestamp: t0,
		Modalities: map[string]map[string]float64{
			ModalityKeystroke: keystrokeAt(0),
			"gait":            {"stride_length": 0.8},
		},
	})
	require.NoError(t, err, "schema issues must not fail the batch")

	require.Len(t, res.SchemaIssues, 1)
	assert.Equal(t, "gait", res.SchemaIssues[0].Modality)
	assert.Equal(t, StatusOK, res.Scores[ModalityKeystroke].Status)
	assert.InDelta(t, 0.94, res.Trust, 1e-9)
	_, scored := res.Scores["gait"]
	assert.False(t, scored)
}

func TestEngineRejectsOutOfOrder(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.ProcessBatch(keystrokeBatch("s1", t0.Add(10*time.Second), 0))
	require.NoError(t, err)
	before, err := eng.Session("s1")
	require.NoError(t, err)

	_, err = eng.ProcessBatch(keystrokeBatch("s1", t0.Add(5*time.Second), anomalyZ(0.9)))
	require.Error(t, err)
	assert.True(t, IsOutOfOrder(err))

	// Equal timestamps are stale too: ordering is strict.
	_, err = eng.ProcessBatch(keystrokeBatch("s1", t0.Add(10*time.Second), anomalyZ(0.9)))
	require.Error(t, err)
	assert.True(t, IsOutOfOrder(err))

	after, err := eng.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected batches must not mutate the session")

	_, err = eng.ProcessBatch(keystrokeBatch("s1", t0.Add(15*time.Second), 0))
	assert.NoError(t, err, "newer batches keep flowing after a rejection")
}

func TestEngineRejectsInvalidBatches(t *testing.T) {
	eng := newTestEngine(t)

	var verr *ValidationError

	_, err := eng.ProcessBatch(FeatureBatch{UserID: "u1", Timestamp: t0})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "session_id", verr.Field)

	_, err = eng.ProcessBatch(FeatureBatch{SessionID: "s1", Timestamp: t0})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_id", verr.Field)

	_, err = eng.ProcessBatch(FeatureBatch{SessionID: "s1", UserID: "u1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "timestamp", verr.Field)

	// A session is bound to its first user.
	_, err = eng.ProcessBatch(keystrokeBatch("s1", t0, 0))
	require.NoError(t, err)
	stolen := keystrokeBatch("s1", t0.Add(5*time.Second), 0)
	stolen.UserID = "mallory"
	_, err = eng.ProcessBatch(stolen)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_id", verr.Field)
}

func TestEngineAcknowledgeClearsReauthOnly(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Acknowledge("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Ack in normal state is a no-op.
	_, err = eng.ProcessBatch(keystrokeBatch("s1", t0, 0))
	require.NoError(t, err)
	cleared, err := eng.Acknowledge("s1")
	require.NoError(t, err)
	assert.False(t, cleared)

	// Drive the session into reauth_required.
	ts := t0
	var last *BatchResult
	for i := 0; i < 6; i++ {
		ts = ts.Add(5 * time.Second)
		last, err = eng.ProcessBatch(keystrokeBatch("s1", ts, anomalyZ(0.9)))
		require.NoError(t, err)
	}
	require.Equal(t, StateReauthNeeded, last.State)

	// Good behavior alone never clears it.
	ts = ts.Add(5 * time.Second)
	last, err = eng.ProcessBatch(keystrokeBatch("s1", ts, 0))
	require.NoError(t, err)
	assert.Equal(t, StateReauthNeeded, last.State)

	cleared, err = eng.Acknowledge("s1")
	require.NoError(t, err)
	assert.True(t, cleared)
	view, err := eng.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, StateNormal, view.State)

	cleared, err = eng.Acknowledge("s1")
	require.NoError(t, err)
	assert.False(t, cleared, "second ack has nothing to clear")

	// The ack reset the state machine, not the trust. Renewed bad behavior
	// walks the machine through warned again instead of jumping straight
	// back to reauth.
	ts = ts.Add(5 * time.Second)
	last, err = eng.ProcessBatch(keystrokeBatch("s1", ts, anomalyZ(0.9)))
	require.NoError(t, err)
	assert.Equal(t, StateWarned, last.State)
}

func TestEngineEndSession(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.ProcessBatch(keystrokeBatch("s1", t0, anomalyZ(0.9)))
	require.NoError(t, err)
	assert.Equal(t, 1, eng.Sessions())

	eng.EndSession("s1")
	assert.Zero(t, eng.Sessions())
	_, err = eng.Session("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Same id later starts from scratch at the seed trust.
	res, err := eng.ProcessBatch(keystrokeBatch("s1", t0.Add(time.Hour), 0))
	require.NoError(t, err)
	assert.Equal(t, 0.8, res.PreviousTrust)
}

func TestEngineHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShortWindow = 2
	cfg.LongWindow = 5
	cfg.HistoryLimit = 5
	eng, err := NewEngine(cfg, testBaselines())
	require.NoError(t, err)

	var last *BatchResult
	for i := 1; i <= 8; i++ {
		last, err = eng.ProcessBatch(keystrokeBatch("s1", t0.Add(time.Duration(i)*5*time.Second), 0))
		require.NoError(t, err)
	}

	view, err := eng.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), view.BatchCount)
	assert.Len(t, view.RecentTrust, 5)
	assert.Equal(t, last.Trust, view.RecentTrust[4].Trust)
	assert.Equal(t, last.Timestamp, view.RecentTrust[4].Timestamp)
}

func TestEngineParallelSessions(t *testing.T) {
	eng := newTestEngine(t)

	const sessions = 16
	const batches = 12

	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			session := fmt.Sprintf("sess-%02d", id)
			for b := 1; b <= batches; b++ {
				ts := t0.Add(time.Duration(b) * 5 * time.Second)
				if _, err := eng.ProcessBatch(keystrokeBatch(session, ts, anomalyZ(0.1))); err != nil {
					errs <- fmt.Errorf("session %s batch %d: %w", session, b, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	assert.Equal(t, sessions, eng.Sessions())

	want := 0.8
	for i := 0; i < batches; i++ {
		want = 0.3*0.9 + 0.7*want
	}
	for i := 0; i < sessions; i++ {
		view, err := eng.Session(fmt.Sprintf("sess-%02d", i))
		require.NoError(t, err)
		assert.InDelta(t, want, view.Trust, 1e-9)
		assert.Equal(t, uint64(batches), view.BatchCount)
		assert.Equal(t, StateNormal, view.State)
	}
}

// Gradual decline: stable sessions do not flag, a sustained slide flags drift
// and drift escalates a warned session without crossing the reauth threshold.
func TestEngineDriftEscalatesWarnedSession(t *testing.T) {
	eng := newTestEngine(t)
	cfg := eng.Config()

	ts := t0
	process := func(anomaly float64) *BatchResult {
		ts = ts.Add(5 * time.Second)
		res, err := eng.ProcessBatch(keystrokeBatch("s1", ts, anomalyZ(anomaly)))
		require.NoError(t, err)
		return res
	}

	// Twenty stable batches converging toward trust 0.75.
	for i := 0; i < 20; i++ {
		res := process(0.25)
		assert.False(t, res.DriftFlag, "stable stretch must not flag at batch %d", i+1)
		assert.Equal(t, StateNormal, res.State)
	}

	// Decline toward trust 0.30: trust after five more batches is ~0.376,
	// below the warn threshold but far above the reauth threshold.
	var res *BatchResult
	for i := 0; i < 4; i++ {
		res = process(0.7)
		assert.Equal(t, StateNormal, res.State, "decline batch %d", i+1)
	}
	res = process(0.7)
	assert.Equal(t, StateWarned, res.State)
	assert.True(t, res.DriftFlag, "sustained slide must be flagged by now")
	assert.Greater(t, res.Trust, cfg.ReauthThreshold)

	// Warned plus drift escalates even though trust never crossed reauth.
	res = process(0.7)
	assert.Equal(t, StateReauthNeeded, res.State)
	assert.Equal(t, ActionForceReauth, res.Action)
	assert.True(t, res.DriftFlag)
	assert.Greater(t, res.Trust, cfg.ReauthThreshold)
}
