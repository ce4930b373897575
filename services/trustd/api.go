package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"aegis/pkg/auth"
	"aegis/pkg/fusion"
	"aegis/pkg/history"
	"aegis/pkg/policy"
	"aegis/pkg/ratelimit"
	"aegis/pkg/structlog"
)

// trustAPI exposes the fusion engine over HTTP. The engine call is the only
// synchronous work per request; the decision log and Redis mirrors are
// written off the request path.
type trustAPI struct {
	engine    *fusion.Engine
	decisions DecisionStore
	history   *history.Recorder
	policy    *policy.Engine
	limiter   *ratelimit.Limiter
	logger    *structlog.Logger
}

func newAPI(engine *fusion.Engine, decisions DecisionStore, recorder *history.Recorder, pol *policy.Engine, limiter *ratelimit.Limiter, logger *structlog.Logger) *trustAPI {
	return &trustAPI{
		engine:    engine,
		decisions: decisions,
		history:   recorder,
		policy:    pol,
		limiter:   limiter,
		logger:    logger,
	}
}

func (a *trustAPI) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var batch fusion.FeatureBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid_json"})
		return
	}

	if ok, err := a.limiter.Allow(r.Context(), batch.SessionID); err != nil {
		a.logger.Warn("rate limit check failed", structlog.Fields{"error": err.Error()})
	} else if !ok {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate_limited"})
		return
	}

	res, err := a.engine.ProcessBatch(batch)
	if err != nil {
		var ve *fusion.ValidationError
		switch {
		case errors.As(err, &ve):
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "invalid_batch",
				"field":  ve.Field,
				"reason": ve.Reason,
			})
		case fusion.IsOutOfOrder(err):
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":   "out_of_order",
				"message": err.Error(),
			})
		default:
			a.logger.Error("batch processing failed", structlog.Fields{"error": err.Error()})
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal_error"})
		}
		return
	}

	a.applyPolicy(r, res)
	a.logOutcome(res)
	go a.persist(res)

	writeJSON(w, http.StatusOK, res)
}

// applyPolicy lets the operator policy override the outward action. The
// trigger state machine keeps its own verdict; only what this batch reports
// to the session-management collaborator changes.
func (a *trustAPI) applyPolicy(r *http.Request, res *fusion.BatchResult) {
	if a.policy == nil {
		return
	}
	tenant := ""
	if claims := auth.GetClaimsFromContext(r.Context()); claims != nil {
		tenant = claims.TenantID
	}
	action, ok, err := a.policy.Evaluate(map[string]any{
		"session_id": res.SessionID,
		"tenant_id":  tenant,
		"trust":      res.Trust,
		"state":      string(res.State),
		"drift":      res.DriftFlag,
		"risk_level": string(res.Risk),
	})
	if err != nil {
		a.logger.Error("policy evaluation failed", structlog.Fields{
			"session_id": res.SessionID,
			"error":      err.Error(),
		})
		return
	}
	if ok && action != res.Action {
		a.logger.Info("policy override", structlog.Fields{
			"session_id":    res.SessionID,
			"engine_action": string(res.Action),
			"action":        string(action),
		})
		res.Action = action
	}
}

func (a *trustAPI) logOutcome(res *fusion.BatchResult) {
	if res.Action != fusion.ActionNone {
		a.logger.SecurityEvent(string(res.Action), structlog.Fields{
			"session_id": res.SessionID,
			"user_id":    res.UserID,
			"trust":      res.Trust,
			"state":      string(res.State),
			"drift":      res.DriftFlag,
		})
	}
	for _, alert := range res.Alerts {
		a.logger.SecurityEvent(alert.Rule, structlog.Fields{
			"session_id": res.SessionID,
			"severity":   alert.Severity,
			"value":      alert.Value,
			"threshold":  alert.Threshold,
		})
	}
}

func (a *trustAPI) persist(res *fusion.BatchResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.decisions.Record(ctx, res); err != nil {
		a.logger.Error("decision log write failed", structlog.Fields{
			"session_id": res.SessionID,
			"error":      err.Error(),
		})
	}
	if err := a.history.RecordBatch(ctx, res); err != nil {
		a.logger.Error("history write failed", structlog.Fields{
			"session_id": res.SessionID,
			"error":      err.Error(),
		})
	}
	if err := a.history.RecordAlerts(ctx, res.SessionID, res.Alerts); err != nil {
		a.logger.Error("alert write failed", structlog.Fields{
			"session_id": res.SessionID,
			"error":      err.Error(),
		})
	}
}

func (a *trustAPI) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "missing session_id"})
		return
	}

	cleared, err := a.engine.Acknowledge(req.SessionID)
	if err != nil {
		if errors.Is(err, fusion.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "session_not_found"})
			return
		}
		a.logger.Error("acknowledge failed", structlog.Fields{"session_id": req.SessionID, "error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal_error"})
		return
	}

	a.logger.AuditLog("reauth_acknowledged", structlog.Fields{
		"session_id": req.SessionID,
		"cleared":    cleared,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"cleared": cleared,
	})
}

func (a *trustAPI) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "missing session_id"})
		return
	}

	a.engine.EndSession(req.SessionID)
	go a.forget(req.SessionID)

	a.logger.AuditLog("session_ended", structlog.Fields{"session_id": req.SessionID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *trustAPI) forget(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.history.Forget(ctx, sessionID); err != nil {
		a.logger.Error("history cleanup failed", structlog.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

func (a *trustAPI) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "missing session_id"})
		return
	}

	view, err := a.engine.Session(sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "session_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		structlog.Error("response encode failed", structlog.Fields{"error": err.Error()})
	}
}
