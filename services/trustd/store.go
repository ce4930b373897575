package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"aegis/pkg/fusion"
)

// DecisionStore keeps the per-batch decision log. Writes happen off the
// request path; a failed write is logged, never surfaced to the caller.
type DecisionStore interface {
	Record(ctx context.Context, res *fusion.BatchResult) error
	Recent(ctx context.Context, sessionID string, limit int) ([]fusion.BatchResult, error)
	Close() error
}

// PGDecisionStore persists decisions to Postgres. Full results go into a
// JSONB column so the queryable columns stay narrow while nothing is lost.
type PGDecisionStore struct {
	db *sql.DB
}

func NewPGDecisionStore(db *sql.DB) (*PGDecisionStore, error) {
	s := &PGDecisionStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("decision store migration failed: %w", err)
	}
	return s, nil
}

func (s *PGDecisionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS trust_decisions (
		id UUID PRIMARY KEY,
		session_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		trust FLOAT NOT NULL,
		confidence FLOAT NOT NULL,
		action VARCHAR(50) NOT NULL,
		state VARCHAR(50) NOT NULL,
		risk_level VARCHAR(20) NOT NULL,
		drift BOOLEAN NOT NULL,
		result JSONB NOT NULL,
		batch_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_trust_decisions_session_id ON trust_decisions(session_id);
	CREATE INDEX IF NOT EXISTS idx_trust_decisions_batch_at ON trust_decisions(batch_at);`

	_, err := s.db.Exec(query)
	return err
}

func (s *PGDecisionStore) Record(ctx context.Context, res *fusion.BatchResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_decisions
			(id, session_id, user_id, trust, confidence, action, state, risk_level, drift, result, batch_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.New().String(), res.SessionID, res.UserID, res.Trust, res.Confidence,
		string(res.Action), string(res.State), string(res.Risk), res.DriftFlag,
		payload, res.Timestamp)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *PGDecisionStore) Recent(ctx context.Context, sessionID string, limit int) ([]fusion.BatchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT result FROM trust_decisions
		WHERE session_id = $1
		ORDER BY batch_at DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []fusion.BatchResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var res fusion.BatchResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *PGDecisionStore) Close() error { return s.db.Close() }

// memoryDecisionStore backs DISABLE_DB deployments and tests. Bounded per
// session so a long-lived session cannot grow without limit.
type memoryDecisionStore struct {
	mu     sync.Mutex
	perKey int
	byID   map[string][]fusion.BatchResult
}

func NewMemoryDecisionStore() *memoryDecisionStore {
	return &memoryDecisionStore{perKey: 100, byID: make(map[string][]fusion.BatchResult)}
}

func (s *memoryDecisionStore) Record(_ context.Context, res *fusion.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.byID[res.SessionID], *res)
	if len(list) > s.perKey {
		list = list[len(list)-s.perKey:]
	}
	s.byID[res.SessionID] = list
	return nil
}

func (s *memoryDecisionStore) Recent(_ context.Context, sessionID string, limit int) ([]fusion.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byID[sessionID]
	if len(list) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	// newest first, matching the SQL read
	out := make([]fusion.BatchResult, 0, limit)
	for i := len(list) - 1; i >= len(list)-limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *memoryDecisionStore) Close() error { return nil }

// openDB dials Postgres with the pool settings shared by the collectors.
func openDB(dbURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}
