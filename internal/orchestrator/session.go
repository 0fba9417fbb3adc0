package orchestrator

import (
	"sync"
	"time"
)

// sessionState is the lifecycle state of one runner connection.
type sessionState struct {
	startedAt    time.Time
	finishedAt   time.Time
	abortedAt    time.Time
	runnerTaskID string
	threadRef    string
	disconnected bool
	timedOut     bool
}

// session guards sessionState. The event consumer writes it; the terminal
// wait and cleanup read it.
type session struct {
	mu sync.Mutex
	st sessionState
}

func (s *session) update(fn func(st *sessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.st)
}

func (s *session) snapshot() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// terminal reports whether the wait for the task can end.
func (st sessionState) terminal() bool {
	return !st.finishedAt.IsZero() || !st.abortedAt.IsZero() || st.disconnected
}

// elapsed returns the time between start and end, or zero if the task
// never started.
func (st sessionState) elapsed(end time.Time) time.Duration {
	if st.startedAt.IsZero() {
		return 0
	}
	return end.Sub(st.startedAt)
}
