package core

// session.go holds import sessions between requests.
//
// A session walks initialized -> analyzed -> mapped -> validated ->
// executing and ends completed, cancelled or failed. Earlier steps may be
// repeated; repeating one discards everything derived from it. Sessions
// expire after a sliding TTL unless an import is running.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL is how long an idle session is kept.
const DefaultSessionTTL = 2 * time.Hour

var transitions = map[SessionStatus][]SessionStatus{
	StatusInitialized: {StatusAnalyzed},
	StatusAnalyzed:    {StatusAnalyzed, StatusMapped},
	StatusMapped:      {StatusAnalyzed, StatusMapped, StatusValidated},
	StatusValidated:   {StatusAnalyzed, StatusMapped, StatusValidated, StatusExecuting},
	StatusExecuting:   {StatusCompleted, StatusCancelled, StatusFailed},
	StatusCompleted:   {StatusExecuting},
	StatusCancelled:   {StatusExecuting},
	StatusFailed:      {StatusExecuting},
}

// CanTransition reports whether a session may move from one status to
// another.
func CanTransition(from, to SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one upload's journey through the pipeline.
type Session struct {
	mu sync.Mutex

	ID        string
	File      FileInfo
	CreatedAt time.Time

	status    SessionStatus
	updatedAt time.Time
	expiresAt time.Time

	ingest   *IngestResult
	records  []Record
	fields   []SourceField
	outcome  *MappingOutcome
	recovery *RecoverySession
	exec     *Execution
}

func newSession(res *IngestResult, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		File:      res.File,
		CreatedAt: now,
		status:    StatusInitialized,
		updatedAt: now,
		ingest:    res,
	}
}

// Status returns the current status.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// transition moves the session, discarding state derived from the step
// being redone. Callers hold s.mu.
func (s *Session) transition(to SessionStatus, now time.Time) error {
	if !CanTransition(s.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
	}
	switch to {
	case StatusAnalyzed:
		s.outcome = nil
		s.closeRecovery()
	case StatusMapped:
		s.closeRecovery()
	}
	s.status = to
	s.updatedAt = now
	return nil
}

func (s *Session) closeRecovery() {
	if s.recovery != nil {
		s.recovery.Close()
		s.recovery = nil
	}
}

// loadRecords returns the full record set, reading the streaming artifact on
// first use and removing it afterwards. Callers hold s.mu.
func (s *Session) loadRecords() ([]Record, error) {
	if s.records != nil {
		return s.records, nil
	}
	if s.ingest.Artifact == nil {
		s.records = s.ingest.Records
		return s.records, nil
	}
	recs, err := s.ingest.Artifact.Load()
	if err != nil {
		return nil, fmt.Errorf("load parsed records: %w", err)
	}
	if err := s.ingest.Artifact.Remove(); err != nil {
		slog.Warn("remove artifact failed", "session_id", s.ID, "error", err)
	}
	s.ingest.Artifact = nil
	s.records = recs
	return recs, nil
}

// destroy releases everything the session holds.
func (s *Session) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec != nil {
		_ = s.exec.Cancel()
		s.exec.Hub().Close()
	}
	s.closeRecovery()
	if s.ingest != nil && s.ingest.Artifact != nil {
		if err := s.ingest.Artifact.Remove(); err != nil {
			slog.Warn("remove artifact failed", "session_id", s.ID, "error", err)
		}
		s.ingest.Artifact = nil
	}
	s.records = nil
}

// SessionSnapshot is the externally visible state of a session.
type SessionSnapshot struct {
	ID           string            `json:"id"`
	Status       SessionStatus     `json:"status"`
	File         FileInfo          `json:"file"`
	Strategy     ParseStrategy     `json:"strategy"`
	Fields       []string          `json:"fields"`
	RowCount     int               `json:"rowCount"`
	WarningCount int               `json:"warningCount"`
	Sample       []Record          `json:"sample"`
	SourceFields []SourceField     `json:"sourceFields,omitempty"`
	Mapping      *MappingOutcome   `json:"mapping,omitempty"`
	Validation   *ValidationReport `json:"validation,omitempty"`
	Import       *ImportProgress   `json:"import,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

func (s *Session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SessionSnapshot{
		ID:           s.ID,
		Status:       s.status,
		File:         s.File,
		Strategy:     s.ingest.Strategy,
		Fields:       s.ingest.Fields,
		RowCount:     s.ingest.RowCount,
		WarningCount: s.ingest.WarningCount,
		Sample:       s.ingest.Sample,
		SourceFields: s.fields,
		Mapping:      s.outcome,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.updatedAt,
		ExpiresAt:    s.expiresAt,
	}
	if s.recovery != nil {
		r := s.recovery.Report()
		snap.Validation = &r
	}
	if s.exec != nil {
		p := s.exec.Progress()
		snap.Import = &p
	}
	return snap
}

// SessionStore keeps sessions in memory with a sliding expiry.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore returns an empty store; ttl <= 0 uses DefaultSessionTTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Put adds s and starts its expiry clock.
func (st *SessionStore) Put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s.mu.Lock()
	s.expiresAt = st.now().Add(st.ttl)
	s.mu.Unlock()
	st.sessions[s.ID] = s
}

// Get returns the session and extends its expiry. Expired sessions are
// reported as missing even before the sweeper removes them.
func (st *SessionStore) Get(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	now := st.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.expiresAt) && s.status != StatusExecuting {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.expiresAt = now.Add(st.ttl)
	return s, nil
}

// Delete removes and returns the session.
func (st *SessionStore) Delete(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	return s, ok
}

// Sweep removes and returns expired sessions. A session with a running
// import never expires.
func (st *SessionStore) Sweep() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	var expired []*Session
	for id, s := range st.sessions {
		s.mu.Lock()
		dead := now.After(s.expiresAt) && s.status != StatusExecuting
		s.mu.Unlock()
		if dead {
			delete(st.sessions, id)
			expired = append(expired, s)
		}
	}
	return expired
}

// All returns every stored session.
func (st *SessionStore) All() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of stored sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// StartSweeper destroys expired sessions every interval until ctx is done.
// It sweeps once immediately.
func (st *SessionStore) StartSweeper(ctx context.Context, interval time.Duration, onExpire func(*Session)) {
	slog.Info("session sweeper started", "interval", interval, "ttl", st.ttl)

	st.sweepOnce(onExpire)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session sweeper stopped")
			return
		case <-ticker.C:
			st.sweepOnce(onExpire)
		}
	}
}

func (st *SessionStore) sweepOnce(onExpire func(*Session)) {
	start := time.Now()
	expired := st.Sweep()
	for _, s := range expired {
		s.destroy()
		if onExpire != nil {
			onExpire(s)
		}
	}
	if len(expired) > 0 {
		slog.Info("expired sessions removed",
			"count", len(expired),
			"remaining", st.Len(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
