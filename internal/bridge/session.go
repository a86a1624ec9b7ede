package bridge

import (
	"context"
	"io"
	"sync"
	"time"
)

// SessionState is the lifecycle position of one in-flight request.
type SessionState string

const (
	SessionOpen       SessionState = "open"
	SessionForwarding SessionState = "forwarding"
	SessionStreaming  SessionState = "streaming"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
	SessionCancelled  SessionState = "cancelled"
)

func (s SessionState) terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// session is one logical request relayed to the backend. All sessions on a
// connection are independent; the only shared path is the connection's send
// queue. The mutex guards state and the sequence counters, and every frame
// referencing the session is enqueued while holding it, so nothing can be
// sent after the session turns terminal.
type session struct {
	id      string
	method  string
	path    string
	headers map[string]string

	cancel  context.CancelFunc
	body    *io.PipeWriter // nil when the open frame declared a complete body
	inbound chan []byte    // buffered request body chunks, nil terminates the body
	start   time.Time

	mu     sync.Mutex
	state  SessionState
	nextIn uint64 // next expected request_chunk seq
	inDone bool   // final request chunk received
	outSeq uint64 // last response_chunk seq issued
	bytes  int64
}

// advance moves the session forward through its non-terminal states.
// Illegal or backwards transitions are ignored.
func (s *session) advance(to SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	switch {
	case s.state == SessionOpen && to == SessionForwarding:
		s.state = to
	case s.state == SessionForwarding && (to == SessionStreaming || to == SessionCompleted):
		s.state = to
	}
}

// State returns the current lifecycle position.
func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
