// Package history mirrors batch outcomes into Redis for dashboards and
// postmortem reads. Persistence here is best effort by contract: the caller
// treats errors as log-and-continue, so a Redis outage never fails a batch.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aegis/pkg/fusion"
)

const (
	sessionTTL = 24 * time.Hour
	alertTTL   = 30 * 24 * time.Hour

	// historyMax caps the per-session trust list, matching the engine's
	// default in-memory history bound.
	historyMax = 100
)

// Recorder writes trust results, trust history and alerts to Redis.
// A nil Recorder or nil client is a no-op, so database-free deployments
// skip persistence without branching at every call site.
type Recorder struct {
	client *redis.Client
}

// NewRecorder wraps a connected client. client may be nil.
func NewRecorder(client *redis.Client) *Recorder {
	return &Recorder{client: client}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("trust:session:%s", sessionID)
}

func historyKey(sessionID string) string {
	return fmt.Sprintf("trust:history:%s", sessionID)
}

func alertKey(sessionID, rule string, at time.Time) string {
	return fmt.Sprintf("trust:alert:%s:%d:%s", sessionID, at.Unix(), rule)
}

// RecordBatch stores the latest full result under the session key and appends
// the batch's trust point to the session's capped history list.
func (r *Recorder) RecordBatch(ctx context.Context, res *fusion.BatchResult) error {
	if r == nil || r.client == nil {
		return nil
	}
	full, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("history: marshal result: %w", err)
	}
	point, err := json.Marshal(fusion.TrustPoint{
		Timestamp:  res.Timestamp,
		Trust:      res.Trust,
		Confidence: res.Confidence,
	})
	if err != nil {
		return fmt.Errorf("history: marshal point: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, sessionKey(res.SessionID), full, sessionTTL)
	pipe.RPush(ctx, historyKey(res.SessionID), point)
	pipe.LTrim(ctx, historyKey(res.SessionID), -historyMax, -1)
	pipe.Expire(ctx, historyKey(res.SessionID), sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: record batch: %w", err)
	}
	return nil
}

// RecordAlerts stores each fired alert under its own key.
func (r *Recorder) RecordAlerts(ctx context.Context, sessionID string, alerts []fusion.Alert) error {
	if r == nil || r.client == nil || len(alerts) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, alert := range alerts {
		data, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("history: marshal alert: %w", err)
		}
		pipe.Set(ctx, alertKey(sessionID, alert.Rule, alert.Timestamp), data, alertTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: record alerts: %w", err)
	}
	return nil
}

// RecentTrust reads back up to n trailing trust points for a session.
func (r *Recorder) RecentTrust(ctx context.Context, sessionID string, n int64) ([]fusion.TrustPoint, error) {
	if r == nil || r.client == nil {
		return nil, nil
	}
	raw, err := r.client.LRange(ctx, historyKey(sessionID), -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: read history: %w", err)
	}
	out := make([]fusion.TrustPoint, 0, len(raw))
	for _, item := range raw {
		var p fusion.TrustPoint
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, fmt.Errorf("history: parse point: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Forget drops a session's latest result and history after the session ends.
// Alert keys age out on their own TTL.
func (r *Recorder) Forget(ctx context.Context, sessionID string) error {
	if r == nil || r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, sessionKey(sessionID), historyKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("history: forget session: %w", err)
	}
	return nil
}
