// Package baseline loads per-(user, modality) behavioral baselines from
// Postgres and serves them to the fusion engine as immutable snapshots.
// Reload builds the next snapshot off to the side and swaps one pointer;
// a scoring cycle keeps whatever view it captured.
package baseline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aegis/pkg/fusion"
	"aegis/pkg/structlog"
)

// DefaultMinSamples is the training floor. Baselines under it are skipped at
// load; their modalities score as no_baseline instead of against a guess.
const DefaultMinSamples = 20

var (
	baselinesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trust",
		Subsystem: "baseline",
		Name:      "loaded",
		Help:      "Baselines in the active snapshot",
	})
	reloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "baseline",
		Name:      "reloads_total",
		Help:      "Baseline snapshot reloads by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(baselinesLoaded, reloadsTotal)
}

// Loader fetches the full baseline set from backing storage.
type Loader interface {
	LoadAll(ctx context.Context) ([]*fusion.Baseline, error)
}

// Snapshot is an immutable point-in-time baseline set.
type Snapshot struct {
	byUser map[string]map[string]*fusion.Baseline
	count  int
}

// Lookup implements fusion.BaselineView.
func (s *Snapshot) Lookup(userID, modality string) (*fusion.Baseline, bool) {
	byModality, ok := s.byUser[userID]
	if !ok {
		return nil, false
	}
	b, ok := byModality[modality]
	return b, ok
}

// Len reports how many baselines the snapshot holds.
func (s *Snapshot) Len() int { return s.count }

// Store owns the active snapshot. It implements fusion.BaselineSource.
type Store struct {
	loader     Loader
	minSamples int
	current    atomic.Pointer[Snapshot]
}

// NewStore builds an empty store; call Reload to populate it. minSamples <= 0
// selects DefaultMinSamples.
func NewStore(loader Loader, minSamples int) *Store {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	s := &Store{loader: loader, minSamples: minSamples}
	s.current.Store(&Snapshot{byUser: map[string]map[string]*fusion.Baseline{}})
	return s
}

// Snapshot implements fusion.BaselineSource.
func (s *Store) Snapshot() fusion.BaselineView {
	return s.current.Load()
}

// Len reports the size of the active snapshot.
func (s *Store) Len() int {
	return s.current.Load().Len()
}

// Reload fetches all baselines and swaps in a fresh snapshot, skipping
// under-trained and schema-mismatched entries. On error the previous
// snapshot stays active.
func (s *Store) Reload(ctx context.Context) (int, error) {
	all, err := s.loader.LoadAll(ctx)
	if err != nil {
		reloadsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	next := &Snapshot{byUser: make(map[string]map[string]*fusion.Baseline)}
	for _, b := range all {
		if b == nil || b.SampleCount < s.minSamples || b.SchemaVersion != fusion.SchemaVersion {
			continue
		}
		byModality, ok := next.byUser[b.UserID]
		if !ok {
			byModality = make(map[string]*fusion.Baseline, len(fusion.Modalities))
			next.byUser[b.UserID] = byModality
		}
		byModality[b.Modality] = b
		next.count++
	}
	s.current.Store(next)
	reloadsTotal.WithLabelValues("ok").Inc()
	baselinesLoaded.Set(float64(next.count))
	return next.count, nil
}

// Run reloads on the interval until the context ends. A failed reload keeps
// the last good snapshot.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Reload(ctx)
			if err != nil {
				structlog.Error("baseline reload failed", structlog.Fields{"error": err.Error()})
				continue
			}
			structlog.Debug("baselines reloaded", structlog.Fields{"count": n})
		}
	}
}
