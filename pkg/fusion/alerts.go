package fusion

import (
	"fmt"
	"math"
	"time"
)

// Alert rule names.
const (
	AlertLowConfidence       = "low_confidence"
	AlertBehaviorInstability = "behavior_instability"
	AlertMultipleRiskFactors = "multiple_risk_factors"
	AlertConfidenceDegrade   = "confidence_degradation"
)

const (
	instabilityStdThreshold = 0.3
	degradationSlopeLimit   = -0.1
	instabilityWindow       = 3
	degradationWindow       = 5
)

// AlertEngine evaluates the security alert rules after each fusion update.
// Rules read only the batch outcome and the session history; raising alerts
// never changes trust or the state machine.
type AlertEngine struct {
	cfg *Config
}

// NewAlertEngine builds the rule engine for a config.
func NewAlertEngine(cfg *Config) *AlertEngine {
	return &AlertEngine{cfg: cfg}
}

// Evaluate runs all rules for one batch. history already includes the batch's
// trust point.
func (a *AlertEngine) Evaluate(scores map[string]ModalityScore, history []TrustPoint, confidence float64, at time.Time) []Alert {
	var alerts []Alert

	if confidence < a.cfg.ConfidenceFloor {
		alerts = append(alerts, Alert{
			Rule:      AlertLowConfidence,
			Severity:  "medium",
			Message:   fmt.Sprintf("batch confidence %.2f below %.2f", confidence, a.cfg.ConfidenceFloor),
			Value:     confidence,
			Threshold: a.cfg.ConfidenceFloor,
			Timestamp: at,
		})
	}

	if len(history) >= instabilityWindow {
		std := trustStddev(history[len(history)-instabilityWindow:])
		if std > instabilityStdThreshold {
			alerts = append(alerts, Alert{
				Rule:      AlertBehaviorInstability,
				Severity:  "high",
				Message:   fmt.Sprintf("trust stddev %.2f over last %d batches", std, instabilityWindow),
				Value:     std,
				Threshold: instabilityStdThreshold,
				Timestamp: at,
			})
		}
	}

	risky := 0
	for _, score := range scores {
		if score.Status != StatusOK && score.Status != StatusCarriedForward {
			continue
		}
		if score.Anomaly > a.cfg.AnomalyAlertThreshold {
			risky++
		}
	}
	if risky >= 2 {
		alerts = append(alerts, Alert{
			Rule:      AlertMultipleRiskFactors,
			Severity:  "high",
			Message:   fmt.Sprintf("%d modalities above anomaly %.2f", risky, a.cfg.AnomalyAlertThreshold),
			Value:     float64(risky),
			Threshold: 2,
			Timestamp: at,
		})
	}

	if len(history) >= degradationWindow {
		slope := confidenceSlope(history[len(history)-degradationWindow:])
		if slope < degradationSlopeLimit {
			alerts = append(alerts, Alert{
				Rule:      AlertConfidenceDegrade,
				Severity:  "medium",
				Message:   fmt.Sprintf("confidence slope %.3f over last %d batches", slope, degradationWindow),
				Value:     slope,
				Threshold: degradationSlopeLimit,
				Timestamp: at,
			})
		}
	}

	return alerts
}

func trustStddev(points []TrustPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum float64
	for _, p := range points {
		sum += p.Trust
	}
	mean := sum / float64(len(points))
	var ss float64
	for _, p := range points {
		d := p.Trust - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(points)))
}

// confidenceSlope fits a least-squares line through the window's confidence
// values (x = batch index) and returns its slope per batch.
func confidenceSlope(points []TrustPoint) float64 {
	n := float64(len(points))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.Confidence
		sumXY += x * p.Confidence
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}
