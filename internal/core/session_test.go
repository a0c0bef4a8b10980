package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{StatusInitialized, StatusAnalyzed, true},
		{StatusInitialized, StatusMapped, false},
		{StatusAnalyzed, StatusValidated, false},
		{StatusMapped, StatusAnalyzed, true},
		{StatusValidated, StatusExecuting, true},
		{StatusMapped, StatusExecuting, false},
		{StatusExecuting, StatusAnalyzed, false},
		{StatusExecuting, StatusCompleted, true},
		{StatusCompleted, StatusExecuting, true},
		{StatusCancelled, StatusExecuting, true},
		{StatusCompleted, StatusMapped, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSession(name string) *Session {
	return newSession(&IngestResult{File: FileInfo{Name: name}}, time.Now())
}

func TestSessionStore_SlidingExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := NewSessionStore(time.Hour)
	st.now = clock.now

	s := newTestSession("a.csv")
	st.Put(s)

	clock.advance(50 * time.Minute)
	if _, err := st.Get(s.ID); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	clock.advance(50 * time.Minute)
	if _, err := st.Get(s.ID); err != nil {
		t.Fatalf("Get after access extended expiry: %v", err)
	}

	clock.advance(61 * time.Minute)
	if _, err := st.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after expiry = %v, want ErrSessionNotFound", err)
	}
	if got := st.Sweep(); len(got) != 1 || got[0] != s {
		t.Errorf("Sweep = %v, want the expired session", got)
	}
	if st.Len() != 0 {
		t.Errorf("Len = %d after sweep, want 0", st.Len())
	}
}

func TestSessionStore_RunningImportNeverExpires(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	st := NewSessionStore(time.Minute)
	st.now = clock.now

	s := newTestSession("a.csv")
	s.status = StatusExecuting
	st.Put(s)

	clock.advance(time.Hour)
	if got := st.Sweep(); len(got) != 0 {
		t.Errorf("Sweep removed %d executing sessions", len(got))
	}
	if _, err := st.Get(s.ID); err != nil {
		t.Errorf("Get = %v, want the executing session", err)
	}
}

func TestSession_TransitionDiscardsDerivedState(t *testing.T) {
	s := newTestSession("a.csv")
	now := time.Now()

	if err := s.transition(StatusMapped, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("initialized -> mapped = %v, want ErrInvalidTransition", err)
	}
	for _, st := range []SessionStatus{StatusAnalyzed, StatusMapped, StatusValidated} {
		if err := s.transition(st, now); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
	rec := NewRecoverySession(NewValidator(nil), []Record{targetRecord(TargetSKU, "A")})
	s.outcome = &MappingOutcome{}
	s.recovery = rec

	if err := s.transition(StatusMapped, now); err != nil {
		t.Fatalf("validated -> mapped: %v", err)
	}
	if s.recovery != nil || rec.Status() != RecoveryClosed {
		t.Error("remapping kept the recovery session open")
	}
	if s.outcome == nil {
		t.Error("remapping dropped the mapping outcome")
	}

	if err := s.transition(StatusAnalyzed, now); err != nil {
		t.Fatalf("mapped -> analyzed: %v", err)
	}
	if s.outcome != nil {
		t.Error("re-analysis kept the mapping outcome")
	}
}

func TestSessionStore_SweeperStopsWithContext(t *testing.T) {
	st := NewSessionStore(time.Millisecond)
	expired := make(chan string, 1)
	s := newTestSession("a.csv")
	st.Put(s)
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		st.StartSweeper(ctx, time.Hour, func(s *Session) { expired <- s.ID })
		close(stopped)
	}()

	select {
	case id := <-expired:
		if id != s.ID {
			t.Errorf("expired %s, want %s", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("initial sweep did not run")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("sweeper ignored cancellation")
	}
}
