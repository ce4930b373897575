package fusion

import (
	"errors"
	"sort"
)

// Engine is the continuous trust fusion pipeline: normalize each modality,
// score against the user's baselines, fuse into the session trust, detect
// drift, advance the reauth state machine and evaluate alert rules. One
// engine serves all sessions; per-session evaluation is serialized, distinct
// sessions run in parallel.
type Engine struct {
	cfg       Config
	store     *TrustStateStore
	scorers   map[string]*ModalityScorer
	fuser     *FusionEngine
	drift     *DriftDetector
	trigger   *ReauthTrigger
	alerter   *AlertEngine
	baselines BaselineSource
}

// NewEngine validates the config and wires the pipeline.
func NewEngine(cfg Config, baselines BaselineSource) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if baselines == nil {
		return nil, errors.New("fusion: nil baseline source")
	}
	e := &Engine{
		cfg:       cfg,
		baselines: baselines,
	}
	e.store = NewTrustStateStore(&e.cfg)
	e.scorers = make(map[string]*ModalityScorer, len(Modalities))
	for _, m := range Modalities {
		e.scorers[m] = NewModalityScorer(m, &e.cfg)
	}
	e.fuser = NewFusionEngine(&e.cfg)
	e.drift = NewDriftDetector(&e.cfg)
	e.trigger = NewReauthTrigger(&e.cfg)
	e.alerter = NewAlertEngine(&e.cfg)
	return e, nil
}

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Sessions reports the number of live sessions.
func (e *Engine) Sessions() int {
	return e.store.Len()
}

// ProcessBatch applies one feature batch to its session and returns the full
// evaluation. The only errors are batch validation and out-of-order
// rejection; every degradation (unknown modality, missing baseline, thin
// evidence) is reported inside the result and processing continues.
func (e *Engine) ProcessBatch(batch FeatureBatch) (*BatchResult, error) {
	if err := validateBatch(batch); err != nil {
		batchesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	st := e.store.acquire(batch.SessionID, batch.UserID)
	defer st.mu.Unlock()

	if st.batchCount > 0 && st.userID != batch.UserID {
		batchesTotal.WithLabelValues("invalid").Inc()
		return nil, &ValidationError{Field: "user_id", Reason: "does not match session owner"}
	}
	if !batch.Timestamp.After(st.lastTimestamp) {
		batchesTotal.WithLabelValues("out_of_order").Inc()
		outOfOrderTotal.Inc()
		return nil, &OutOfOrderError{SessionID: batch.SessionID, Got: batch.Timestamp, Last: st.lastTimestamp}
	}

	view := e.baselines.Snapshot()

	scores := make(map[string]ModalityScore, len(batch.Modalities))
	var issues []SchemaIssue
	for _, modality := range sortedKeys(batch.Modalities) {
		vec, err := Normalize(modality, batch.Modalities[modality])
		if err != nil {
			var se *SchemaError
			if errors.As(err, &se) {
				issues = append(issues, SchemaIssue{Modality: se.Modality, Reason: se.Reason})
				schemaErrorsTotal.WithLabelValues(modality).Inc()
				continue
			}
			return nil, err
		}
		baseline, ok := view.Lookup(batch.UserID, modality)
		if !ok {
			baseline = nil
			baselineMissesTotal.WithLabelValues(modality).Inc()
		}
		score := e.scorers[modality].Score(vec, baseline, st.lastScore[modality], batch.Timestamp)
		scores[modality] = score
	}

	prevTrust := st.trust
	trust, confidence, _ := e.fuser.Fuse(scores, prevTrust)

	st.trust = trust
	st.lastTimestamp = batch.Timestamp
	st.batchCount++
	st.appendHistory(TrustPoint{Timestamp: batch.Timestamp, Trust: trust, Confidence: confidence}, e.cfg.HistoryLimit)
	for modality, score := range scores {
		if score.Status == StatusOK {
			st.lastScore[modality] = PreviousScore{Anomaly: score.Anomaly, At: batch.Timestamp, Valid: true}
		}
	}

	wasDrifting := st.drift.Flag
	drifting := e.drift.Update(st.history, &st.drift)
	if drifting && !wasDrifting {
		driftFlagsTotal.Inc()
	}

	st.state = e.trigger.Evaluate(st.state, trust, drifting)
	action := ActionFor(st.state)

	var explanation []Contributor
	if action != ActionNone {
		explanation = Explain(scores, &e.cfg)
	}

	alerts := e.alerter.Evaluate(scores, st.history, confidence, batch.Timestamp)

	risk := e.cfg.Risk(trust)
	recheck := e.cfg.Recheck(risk)

	batchesTotal.WithLabelValues("ok").Inc()
	actionsTotal.WithLabelValues(string(action)).Inc()
	trustScores.Observe(trust)
	for _, a := range alerts {
		alertsTotal.WithLabelValues(a.Rule).Inc()
	}
	activeSessions.Set(float64(e.store.Len()))

	return &BatchResult{
		SessionID:          batch.SessionID,
		UserID:             batch.UserID,
		Timestamp:          batch.Timestamp,
		Trust:              trust,
		PreviousTrust:      prevTrust,
		Confidence:         confidence,
		Action:             action,
		State:              st.state,
		Risk:               risk,
		DriftFlag:          drifting,
		Scores:             scores,
		Explanation:        explanation,
		Alerts:             alerts,
		SchemaIssues:       issues,
		RecheckInterval:    recheck,
		RecheckIntervalSec: int(recheck.Seconds()),
	}, nil
}

// Acknowledge clears reauth_required after the collaborator confirms a
// successful reauthentication. Returns whether the state actually cleared;
// trust recovering on its own never does this.
func (e *Engine) Acknowledge(sessionID string) (bool, error) {
	st := e.store.get(sessionID)
	if st == nil {
		return false, ErrSessionNotFound
	}
	defer st.mu.Unlock()
	if st.state != StateReauthNeeded {
		return false, nil
	}
	st.state = StateNormal
	return true, nil
}

// EndSession discards a session's state.
func (e *Engine) EndSession(sessionID string) {
	e.store.End(sessionID)
	activeSessions.Set(float64(e.store.Len()))
}

// Session returns a read-only snapshot of a session.
func (e *Engine) Session(sessionID string) (SessionView, error) {
	st := e.store.get(sessionID)
	if st == nil {
		return SessionView{}, ErrSessionNotFound
	}
	defer st.mu.Unlock()
	return st.view(&e.cfg, 10), nil
}

func validateBatch(batch FeatureBatch) error {
	if batch.SessionID == "" {
		return &ValidationError{Field: "session_id", Reason: "empty"}
	}
	if batch.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "empty"}
	}
	if batch.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "zero"}
	}
	return nil
}

func sortedKeys(m map[string]map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StaticBaselines is an in-memory BaselineSource keyed user -> modality,
// used by tests and database-free deployments.
type StaticBaselines map[string]map[string]*Baseline

// Snapshot implements BaselineSource; the map itself is the immutable view.
func (s StaticBaselines) Snapshot() BaselineView { return s }

// Lookup implements BaselineView.
func (s StaticBaselines) Lookup(userID, modality string) (*Baseline, bool) {
	byModality, ok := s[userID]
	if !ok {
		return nil, false
	}
	b, ok := byModality[modality]
	return b, ok
}
