package fusion

import (
	"sync"
	"time"
)

// sessionState is one session's mutable trust state. All fields are guarded
// by mu; the engine holds the lock for the whole of a batch evaluation so a
// session is a strictly sequential state machine while distinct sessions
// process in parallel.
type sessionState struct {
	mu sync.Mutex

	sessionID string
	userID    string

	trust         float64
	history       []TrustPoint
	lastTimestamp time.Time
	batchCount    uint64

	// lastScore keeps each modality's last fresh anomaly for carry-forward.
	lastScore map[string]PreviousScore

	drift DriftState
	state ReauthState
}

// TrustStateStore owns all live session states. Lookups take the store lock
// briefly; per-session work happens under the session's own mutex.
type TrustStateStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	cfg      *Config
}

// NewTrustStateStore builds an empty store.
func NewTrustStateStore(cfg *Config) *TrustStateStore {
	return &TrustStateStore{
		sessions: make(map[string]*sessionState),
		cfg:      cfg,
	}
}

// acquire returns the session's state with its mutex held, creating it on
// first use seeded at the configured initial trust. The caller must unlock.
func (s *TrustStateStore) acquire(sessionID, userID string) *sessionState {
	s.mu.RLock()
	st, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		st, ok = s.sessions[sessionID]
		if !ok {
			st = &sessionState{
				sessionID: sessionID,
				userID:    userID,
				trust:     s.cfg.InitialTrust,
				history:   make([]TrustPoint, 0, s.cfg.HistoryLimit),
				lastScore: make(map[string]PreviousScore),
				state:     StateNormal,
			}
			s.sessions[sessionID] = st
		}
		s.mu.Unlock()
	}
	st.mu.Lock()
	return st
}

// get returns the session with its mutex held, or nil.
func (s *TrustStateStore) get(sessionID string) *sessionState {
	s.mu.RLock()
	st, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	return st
}

// End discards a session's state. Safe at any time; an in-flight evaluation
// finishes against its own reference and the history is simply lost.
func (s *TrustStateStore) End(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Len reports the number of live sessions.
func (s *TrustStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// appendHistory records a trust point, evicting the oldest entry FIFO once
// the bound is reached. Caller holds the session mutex.
func (st *sessionState) appendHistory(p TrustPoint, limit int) {
	if limit > 0 && len(st.history) >= limit {
		st.history = append(st.history[1:], p)
		return
	}
	st.history = append(st.history, p)
}

// view snapshots the session for read-only callers. Caller holds the mutex.
func (st *sessionState) view(cfg *Config, recent int) SessionView {
	v := SessionView{
		SessionID:     st.sessionID,
		UserID:        st.userID,
		Trust:         st.trust,
		State:         st.state,
		Risk:          cfg.Risk(st.trust),
		DriftFlag:     st.drift.Flag,
		BatchCount:    st.batchCount,
		LastTimestamp: st.lastTimestamp,
	}
	if recent > 0 && len(st.history) > 0 {
		n := recent
		if n > len(st.history) {
			n = len(st.history)
		}
		v.RecentTrust = make([]TrustPoint, n)
		copy(v.RecentTrust, st.history[len(st.history)-n:])
	}
	return v
}
