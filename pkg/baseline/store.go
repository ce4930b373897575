package baseline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"aegis/pkg/fusion"
)

// PGStore reads and writes baselines in Postgres. The feature statistics go
// through the Sealer when one is configured; the lookup columns stay clear so
// retraining jobs can query coverage.
type PGStore struct {
	db     *sql.DB
	sealer *Sealer
}

// NewPGStore wraps an open database handle. sealer may be nil for plaintext
// payloads.
func NewPGStore(db *sql.DB, sealer *Sealer) *PGStore {
	return &PGStore{db: db, sealer: sealer}
}

// LoadAll implements Loader.
func (s *PGStore) LoadAll(ctx context.Context) ([]*fusion.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, modality, payload, sample_count, schema_version, trained_at
		FROM behavior_baselines`)
	if err != nil {
		return nil, fmt.Errorf("baseline: query: %w", err)
	}
	defer rows.Close()

	var out []*fusion.Baseline
	for rows.Next() {
		var (
			b       fusion.Baseline
			payload []byte
		)
		if err := rows.Scan(&b.UserID, &b.Modality, &payload, &b.SampleCount, &b.SchemaVersion, &b.TrainedAt); err != nil {
			return nil, fmt.Errorf("baseline: scan: %w", err)
		}
		if err := s.decodePayload(payload, &b.Features); err != nil {
			return nil, fmt.Errorf("baseline: %s/%s: %w", b.UserID, b.Modality, err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// Upsert writes one baseline, replacing any previous generation for the same
// (user, modality).
func (s *PGStore) Upsert(ctx context.Context, b *fusion.Baseline) error {
	payload, err := s.encodePayload(b.Features)
	if err != nil {
		return err
	}
	trainedAt := b.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO behavior_baselines (user_id, modality, payload, sample_count, schema_version, trained_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, modality) DO UPDATE SET
			payload = EXCLUDED.payload,
			sample_count = EXCLUDED.sample_count,
			schema_version = EXCLUDED.schema_version,
			trained_at = EXCLUDED.trained_at,
			updated_at = NOW()`,
		b.UserID, b.Modality, payload, b.SampleCount, b.SchemaVersion, trainedAt)
	if err != nil {
		return fmt.Errorf("baseline: upsert %s/%s: %w", b.UserID, b.Modality, err)
	}
	return nil
}

func (s *PGStore) encodePayload(features map[string]fusion.FeatureStat) ([]byte, error) {
	if s.sealer != nil {
		return s.sealer.Seal(features)
	}
	payload, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("baseline: marshal payload: %w", err)
	}
	return payload, nil
}

func (s *PGStore) decodePayload(payload []byte, features *map[string]fusion.FeatureStat) error {
	if s.sealer != nil {
		return s.sealer.Open(payload, features)
	}
	return json.Unmarshal(payload, features)
}
