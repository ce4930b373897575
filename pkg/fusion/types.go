// Package fusion implements the continuous trust fusion engine: it scores
// per-modality behavioral feature batches against per-user baselines, fuses
// them into a single session trust score with decay, detects sustained drift,
// and drives the reauthentication state machine.
//
// The package performs no blocking I/O. Baselines arrive through a read-only
// snapshot captured once per scoring cycle; persistence of results belongs to
// the caller.
package fusion

import (
	"time"
)

// Known modality names. The engine rejects batches that declare anything else.
const (
	ModalityKeystroke = "keystroke"
	ModalityGaze      = "gaze"
	ModalityPose      = "pose"
	ModalityEmotion   = "emotion"
)

// Modalities lists the supported modalities in a stable order.
var Modalities = []string{ModalityKeystroke, ModalityGaze, ModalityPose, ModalityEmotion}

// FeatureBatch is one polling interval's worth of telemetry for a session.
// Timestamps must strictly increase per session; out-of-order batches are
// rejected, never reordered.
type FeatureBatch struct {
	SessionID  string                        `json:"session_id"`
	UserID     string                        `json:"user_id"`
	Timestamp  time.Time                     `json:"timestamp"`
	Modalities map[string]map[string]float64 `json:"modalities"`
}

// FeatureStat is the per-feature reference statistic inside a baseline.
type FeatureStat struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Baseline is the fitted per-(user, modality) behavioral reference. The engine
// treats it as immutable; retrained baselines replace the whole object via the
// snapshot swap in the baseline store.
type Baseline struct {
	UserID        string                 `json:"user_id"`
	Modality      string                 `json:"modality"`
	Features      map[string]FeatureStat `json:"features"`
	SampleCount   int                    `json:"sample_count"`
	SchemaVersion int                    `json:"schema_version"`
	TrainedAt     time.Time              `json:"trained_at"`
}

// BaselineView is an immutable point-in-time lookup over the loaded baselines.
type BaselineView interface {
	Lookup(userID, modality string) (*Baseline, bool)
}

// BaselineSource hands out views. Implementations swap the underlying set
// atomically so a scoring cycle never observes a half-reloaded baseline.
type BaselineSource interface {
	Snapshot() BaselineView
}

// ScoreStatus tells the caller how a ModalityScore was produced.
type ScoreStatus string

const (
	// StatusOK: scored against the baseline from this batch's evidence.
	StatusOK ScoreStatus = "ok"
	// StatusCarriedForward: too few features this batch; anomaly repeats the
	// last real score, confidence is zero.
	StatusCarriedForward ScoreStatus = "carried_forward"
	// StatusNoBaseline: no baseline exists for (user, modality); anomaly is
	// undefined and the modality is excluded from fusion.
	StatusNoBaseline ScoreStatus = "no_baseline"
	// StatusInsufficient: too few features and nothing recent to carry
	// forward; the modality is absent for this cycle.
	StatusInsufficient ScoreStatus = "insufficient"
)

// FeatureContribution is one feature's share of a modality's anomaly.
type FeatureContribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// ModalityScore is the outcome of scoring one modality for one batch.
// Anomaly is meaningful only when Status is ok or carried_forward. Confidence
// reflects evidence sufficiency (feature completeness and baseline sample
// count), never accuracy.
type ModalityScore struct {
	Modality    string                `json:"modality"`
	Status      ScoreStatus           `json:"status"`
	Anomaly     float64               `json:"anomaly"`
	Confidence  float64               `json:"confidence"`
	TopFeatures []FeatureContribution `json:"top_features,omitempty"`
}

// Contributor is one row of the ranked cross-modality explanation.
type Contributor struct {
	Modality     string  `json:"modality"`
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// Action is what the session-management collaborator should do after a batch.
type Action string

const (
	ActionNone        Action = "none"
	ActionWarn        Action = "warn"
	ActionForceReauth Action = "force_reauth"
)

// ReauthState is the trigger's state machine position.
type ReauthState string

const (
	StateNormal       ReauthState = "normal"
	StateWarned       ReauthState = "warned"
	StateReauthNeeded ReauthState = "reauth_required"
)

// RiskLevel buckets trust for UI rendering and recheck pacing.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SchemaIssue reports a batch-local schema problem. The affected modality is
// skipped for the cycle; the batch itself is still processed.
type SchemaIssue struct {
	Modality string `json:"modality"`
	Reason   string `json:"reason"`
}

// Alert is a security alert raised by the rule engine for one batch.
type Alert struct {
	Rule      string    `json:"rule"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// TrustPoint is one entry of a session's bounded trust history.
type TrustPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Trust      float64   `json:"trust"`
	Confidence float64   `json:"confidence"`
}

// BatchResult is everything the host service needs after one batch: the new
// trust value, the decision, and the structured degradations that occurred.
type BatchResult struct {
	SessionID          string                   `json:"session_id"`
	UserID             string                   `json:"user_id"`
	Timestamp          time.Time                `json:"timestamp"`
	Trust              float64                  `json:"trust"`
	PreviousTrust      float64                  `json:"previous_trust"`
	Confidence         float64                  `json:"confidence"`
	Action             Action                   `json:"action"`
	State              ReauthState              `json:"state"`
	Risk               RiskLevel                `json:"risk_level"`
	DriftFlag          bool                     `json:"drift"`
	Scores             map[string]ModalityScore `json:"scores"`
	Explanation        []Contributor            `json:"explanation,omitempty"`
	Alerts             []Alert                  `json:"alerts,omitempty"`
	SchemaIssues       []SchemaIssue            `json:"schema_issues,omitempty"`
	RecheckInterval    time.Duration            `json:"-"`
	RecheckIntervalSec int                      `json:"recheck_interval_sec"`
}

// SessionView is a read-only snapshot of one session's state.
type SessionView struct {
	SessionID     string       `json:"session_id"`
	UserID        string       `json:"user_id"`
	Trust         float64      `json:"trust"`
	State         ReauthState  `json:"state"`
	Risk          RiskLevel    `json:"risk_level"`
	DriftFlag     bool         `json:"drift"`
	BatchCount    uint64       `json:"batch_count"`
	LastTimestamp time.Time    `json:"last_timestamp"`
	RecentTrust   []TrustPoint `json:"recent_trust,omitempty"`
}
