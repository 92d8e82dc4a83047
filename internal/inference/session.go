package inference

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState tracks where a streaming session is in its lifecycle.
type SessionState string

const (
	StateStreaming  SessionState = "streaming"
	StateFinalizing SessionState = "finalizing"
	StateDone       SessionState = "done"
	StateFailed     SessionState = "failed"
	StateCancelled  SessionState = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s SessionState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Session is one analysis run. Text only grows while streaming; the session is never reused.
type Session struct {
	ID        string
	Request   Request
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	text      strings.Builder
	fragments int
	state     SessionState
	result    *Result
	err       error
}

func newSession(req Request, cancel context.CancelFunc) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Request:   req,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateStreaming,
	}
}

// Text returns everything accumulated so far.
func (s *Session) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text.String()
}

// Fragments returns how many fragments were appended.
func (s *Session) Fragments() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fragments
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Streaming is true until the sentinel or a failure arrives.
func (s *Session) Streaming() bool {
	return s.State() == StateStreaming
}

// Result returns the finalized result, or the error that ended the session.
func (s *Session) Result() (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the session. Fragments still in flight are discarded.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) append(fragment string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return false
	}
	s.text.WriteString(fragment)
	s.fragments++
	return true
}

func (s *Session) transition(next SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = next
	}
}

func (s *Session) finish(state SessionState, res *Result, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.result = res
	s.err = err
	s.mu.Unlock()
	close(s.done)
}
