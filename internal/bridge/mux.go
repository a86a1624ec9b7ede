package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tunnelworks/llmbridge/internal/backend"
	"github.com/tunnelworks/llmbridge/internal/logx"
	"github.com/tunnelworks/llmbridge/internal/tunnel"
)

var (
	// ErrDuplicateSession is returned when the broker opens a session whose
	// id is still in flight.
	ErrDuplicateSession = errors.New("bridge: duplicate session id")
	// ErrOverloaded is returned when the concurrent session cap is reached.
	ErrOverloaded = errors.New("bridge: session limit reached")
	// ErrUnknownSession is returned for chunks referencing no open session.
	ErrUnknownSession = errors.New("bridge: unknown session id")

	errSessionDone = errors.New("bridge: session terminated")
)

// inboundQueueDepth bounds the request body chunks buffered per session. A
// session whose backend stops reading fails once the bound is exceeded; the
// connection read loop never waits on a session's body.
const inboundQueueDepth = 32

// sendFunc enqueues one frame on the connection's serialized writer.
type sendFunc func(ctx context.Context, f tunnel.Frame) error

// Multiplexer maps inbound broker sessions onto backend requests. Each open
// session runs in its own goroutine; sessions never block each other beyond
// the shared send queue.
type Multiplexer struct {
	backend *backend.Client
	send    sendFunc
	max     int
	timeout time.Duration
	tracker *Tracker
	onDone  func()

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// NewMultiplexer returns a Multiplexer relaying sessions to client. Frames go
// out through send; at most max sessions run concurrently and each is bounded
// by timeout when positive.
func NewMultiplexer(client *backend.Client, send sendFunc, max int, timeout time.Duration, tracker *Tracker) *Multiplexer {
	if tracker == nil {
		tracker = NewTracker(nil)
	}
	return &Multiplexer{
		backend:  client,
		send:     send,
		max:      max,
		timeout:  timeout,
		tracker:  tracker,
		sessions: map[string]*session{},
	}
}

// SetOnDone registers a callback invoked after each session ends, used by the
// connection's drain check.
func (m *Multiplexer) SetOnDone(fn func()) {
	m.onDone = fn
}

// ActiveCount returns the number of sessions currently in flight.
func (m *Multiplexer) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Open starts a session from a request_open frame. The backend call is issued
// on a dedicated goroutine; the request body, unless declared complete, is
// streamed in through FeedChunk.
func (m *Multiplexer) Open(ctx context.Context, f tunnel.Frame) error {
	var sctx context.Context
	var cancel context.CancelFunc
	if m.timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, m.timeout)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}
	s := &session{
		id:      f.SessionID,
		method:  f.Method,
		path:    f.Path,
		headers: f.Headers,
		cancel:  cancel,
		start:   time.Now(),
		state:   SessionOpen,
	}
	var body io.Reader = http.NoBody
	if !f.BodyComplete {
		pr, pw := io.Pipe()
		s.body = pw
		s.inbound = make(chan []byte, inboundQueueDepth)
		body = pr
	}
	m.mu.Lock()
	if _, ok := m.sessions[f.SessionID]; ok {
		m.mu.Unlock()
		cancel()
		return ErrDuplicateSession
	}
	if m.max > 0 && len(m.sessions) >= m.max {
		m.mu.Unlock()
		cancel()
		return ErrOverloaded
	}
	m.sessions[f.SessionID] = s
	m.mu.Unlock()
	m.tracker.IncSessions()
	sessionStarted()
	logx.Log.Info().Str("session_id", f.SessionID).Str("method", f.Method).Str("path", f.Path).Msg("session start")
	m.wg.Add(1)
	go m.run(sctx, s, body)
	if s.inbound != nil {
		m.wg.Add(1)
		go m.feedBody(sctx, s)
	}
	return nil
}

// feedBody drains the session's inbound queue into its request body pipe. It
// runs on the session's own goroutine so a backend that is slow to read one
// body never stalls the connection read loop or any other session.
func (m *Multiplexer) feedBody(ctx context.Context, s *session) {
	defer m.wg.Done()
	for {
		select {
		case data := <-s.inbound:
			if data == nil {
				_ = s.body.Close()
				return
			}
			if _, err := s.body.Write(data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// FeedChunk appends one request body chunk to its session. Sequence numbers
// must arrive strictly increasing and gap-free starting at 1; a gap fails the
// session. Chunks for terminated sessions are dropped. Delivery goes through
// the session's bounded queue, so FeedChunk never blocks on the backend.
func (m *Multiplexer) FeedChunk(ctx context.Context, f tunnel.Frame) error {
	m.mu.Lock()
	s := m.sessions[f.SessionID]
	m.mu.Unlock()
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	if s.state.terminal() || s.inDone {
		s.mu.Unlock()
		return nil
	}
	if s.body == nil || f.Seq != s.nextIn+1 {
		want := s.nextIn + 1
		s.mu.Unlock()
		ef := &tunnel.Frame{
			Type:      tunnel.TypeError,
			SessionID: s.id,
			Code:      tunnel.CodeBadSequence,
			Message:   fmt.Sprintf("expected request chunk seq %d, got %d", want, f.Seq),
		}
		if m.finish(ctx, s, SessionFailed, ef) {
			logx.Log.Warn().Str("session_id", s.id).Uint64("seq", f.Seq).Msg("request chunk out of sequence")
			s.cancel()
		}
		return nil
	}
	s.nextIn = f.Seq
	if f.Final {
		s.inDone = true
	}
	s.mu.Unlock()
	if len(f.Data) > 0 && !m.enqueueBody(ctx, s, f.Data) {
		return nil
	}
	if f.Final {
		m.enqueueBody(ctx, s, nil)
	}
	return nil
}

// enqueueBody queues one body chunk (nil terminates the body) without ever
// blocking the caller. Overflow means the backend has stopped reading this
// session's body; only this session fails.
func (m *Multiplexer) enqueueBody(ctx context.Context, s *session, data []byte) bool {
	select {
	case s.inbound <- data:
		return true
	default:
	}
	ef := &tunnel.Frame{
		Type:      tunnel.TypeError,
		SessionID: s.id,
		Code:      tunnel.CodeOverloaded,
		Message:   "request body backpressure limit exceeded",
	}
	if m.finish(ctx, s, SessionFailed, ef) {
		logx.Log.Warn().Str("session_id", s.id).Msg("request body queue overflow")
		s.cancel()
	}
	return false
}

// Cancel terminates a session on behalf of the broker. Cancelling an unknown
// or already-terminated session is a no-op.
func (m *Multiplexer) Cancel(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return
	}
	if m.finish(context.Background(), s, SessionCancelled, nil) {
		logx.Log.Info().Str("session_id", id).Msg("session cancelled")
		s.cancel()
	}
}

// CancelAll terminates every in-flight session, used on connection loss and
// when a drain deadline force-cancels the remainder.
func (m *Multiplexer) CancelAll() {
	m.mu.Lock()
	active := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()
	for _, s := range active {
		if m.finish(context.Background(), s, SessionCancelled, nil) {
			s.cancel()
		}
	}
}

// Wait blocks until all session goroutines have exited.
func (m *Multiplexer) Wait() {
	m.wg.Wait()
}

func (m *Multiplexer) run(ctx context.Context, s *session, body io.Reader) {
	defer m.wg.Done()
	defer func() {
		s.cancel()
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		m.tracker.DecSessions()
		st := s.State()
		dur := time.Since(s.start)
		sessionEnded(st, dur)
		lvl := logx.Log.Info()
		if st != SessionCompleted {
			lvl = logx.Log.Warn()
		}
		lvl.Str("session_id", s.id).Str("state", string(st)).Dur("duration", dur).Msg("session end")
		if m.onDone != nil {
			m.onDone()
		}
	}()

	s.advance(SessionForwarding)
	h, err := m.backend.Do(ctx, s.method, s.path, s.headers, body)
	if err != nil {
		m.failSession(ctx, s, err)
		return
	}
	defer func() {
		_ = h.Close()
	}()
	if h.Streaming {
		s.advance(SessionStreaming)
	}

	sentFirst := false
	for {
		data, rerr := h.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			m.failSession(ctx, s, rerr)
			return
		}
		f := tunnel.Frame{Type: tunnel.TypeResponseChunk, SessionID: s.id, Data: data}
		if !sentFirst {
			f.Status = h.Status
			f.Headers = h.Headers
		}
		if !m.emit(ctx, s, f) {
			// Send failure means the connection is going down; make the
			// terminal transition explicit instead of leaving it to cleanup.
			m.finish(ctx, s, SessionCancelled, nil)
			return
		}
		sentFirst = true
		responseBytesCounter.Add(float64(len(data)))
	}
	fin := &tunnel.Frame{Type: tunnel.TypeResponseChunk, SessionID: s.id, Final: true}
	if !sentFirst {
		fin.Status = h.Status
		fin.Headers = h.Headers
	}
	m.finish(ctx, s, SessionCompleted, fin)
}

// emit enqueues one response chunk, assigning the next sequence number. The
// session mutex spans the state check and the enqueue so no frame can follow
// a terminal transition.
func (m *Multiplexer) emit(ctx context.Context, s *session, f tunnel.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return false
	}
	s.outSeq++
	f.Seq = s.outSeq
	s.bytes += int64(len(f.Data))
	return m.send(ctx, f) == nil
}

// finish moves the session to a terminal state and, atomically with the
// transition, enqueues the closing frame when one is given. It reports
// whether this call performed the transition.
func (m *Multiplexer) finish(ctx context.Context, s *session, to SessionState, f *tunnel.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return false
	}
	s.state = to
	if s.body != nil {
		_ = s.body.CloseWithError(errSessionDone)
	}
	if f != nil {
		if f.Type == tunnel.TypeResponseChunk {
			s.outSeq++
			f.Seq = s.outSeq
		}
		_ = m.send(ctx, *f)
	}
	return true
}

func (m *Multiplexer) failSession(ctx context.Context, s *session, err error) {
	var code string
	switch backend.Classify(err) {
	case backend.FailureCancelled:
		// Broker cancel or connection loss already decided the outcome.
		m.finish(ctx, s, SessionCancelled, nil)
		return
	case backend.FailureTimeout:
		code = tunnel.CodeTimeout
	case backend.FailureUnavailable:
		code = tunnel.CodeBackendUnavailable
	default:
		code = tunnel.CodeUpstreamError
	}
	ef := &tunnel.Frame{Type: tunnel.TypeError, SessionID: s.id, Code: code, Message: err.Error()}
	if m.finish(ctx, s, SessionFailed, ef) {
		m.tracker.SetLastError(err.Error())
		logx.Log.Error().Str("session_id", s.id).Str("code", code).Err(err).Msg("session error")
	}
}
