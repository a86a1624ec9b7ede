package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tunnelworks/llmbridge/internal/logx"
	"github.com/tunnelworks/llmbridge/internal/tunnel"
)

// ConnState is the lifecycle position of the broker link.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateAuthenticated ConnState = "authenticated"
	StateActive        ConnState = "active"
	StateDraining      ConnState = "draining"
)

// ErrAuthRejected reports a credential the broker refused. It is permanent:
// retrying with the same token would be rejected again, so the run loop
// surfaces it instead of reconnecting.
var ErrAuthRejected = errors.New("bridge: broker rejected credentials")

// Manager owns one WebSocket connection to the broker: the dial, the hello
// handshake, liveness pings, and the single writer goroutine that serializes
// outbound frames from all sessions.
type Manager struct {
	codec tunnel.Codec

	mu    sync.Mutex
	state ConnState
	ws    *websocket.Conn

	sendCh   chan []byte
	lastPong atomic.Int64
}

// NewManager returns a disconnected Manager using codec for the wire.
func NewManager(codec tunnel.Codec) *Manager {
	return &Manager{codec: codec, state: StateDisconnected, sendCh: make(chan []byte, 64)}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Dial opens the WebSocket to the broker, presenting token as a bearer
// credential on the upgrade request.
func (m *Manager) Dial(ctx context.Context, url, token string) error {
	m.setState(StateConnecting)
	hdr := make(http.Header)
	hdr.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		m.setState(StateDisconnected)
		return err
	}
	ws.SetReadLimit(m.codec.MaxEncoded())
	m.mu.Lock()
	m.ws = ws
	m.mu.Unlock()
	return nil
}

// Handshake announces the bridge with a hello frame and waits for the
// broker's acknowledgement. No session traffic may flow before it returns.
// An auth_rejected error frame yields ErrAuthRejected; any other reply is a
// protocol error.
func (m *Manager) Handshake(ctx context.Context, token string, models []string) error {
	hello := tunnel.Frame{Type: tunnel.TypeHello, Token: token, Models: models}
	b, err := m.codec.Encode(hello)
	if err != nil {
		return err
	}
	if err := m.ws.Write(ctx, websocket.MessageText, b); err != nil {
		return err
	}
	_, data, err := m.ws.Read(ctx)
	if err != nil {
		return err
	}
	f, err := m.codec.Decode(data)
	if err != nil {
		return err
	}
	switch {
	case f.Type == tunnel.TypeHelloAck:
		m.setState(StateAuthenticated)
		return nil
	case f.Type == tunnel.TypeError && f.Code == tunnel.CodeAuthRejected:
		return fmt.Errorf("%w: %s", ErrAuthRejected, f.Message)
	default:
		return fmt.Errorf("bridge: expected hello_ack, got %q", f.Type)
	}
}

// Activate marks the handshaken connection ready for session traffic.
func (m *Manager) Activate() {
	m.lastPong.Store(time.Now().UnixNano())
	m.setState(StateActive)
}

// StartDraining stops the connection from accepting new sessions.
func (m *Manager) StartDraining() {
	m.setState(StateDraining)
}

// Send encodes f and enqueues it for the writer goroutine. It is safe for
// concurrent use from all session workers.
func (m *Manager) Send(ctx context.Context, f tunnel.Frame) error {
	b, err := m.codec.Encode(f)
	if err != nil {
		return err
	}
	select {
	case m.sendCh <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startWriter drains the send queue onto the socket from a single goroutine.
// A write failure cancels the connection context. A nil entry is the drain
// marker: everything queued before it has been written, so the connection can
// close cleanly.
func (m *Manager) startWriter(ctx context.Context, cancel context.CancelFunc) {
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-m.sendCh:
				if b == nil {
					_ = m.Close(websocket.StatusNormalClosure, "drained")
					return
				}
				if err := m.ws.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
				framesSentCounter.Inc()
			}
		}
	}()
}

// CloseDrained closes the connection with a normal closure once all frames
// enqueued so far are on the wire.
func (m *Manager) CloseDrained(ctx context.Context) {
	select {
	case m.sendCh <- nil:
	case <-ctx.Done():
	}
}

// startPing sends liveness pings and forces a reconnect when no pong arrives
// within timeout.
func (m *Manager) startPing(ctx context.Context, cancel context.CancelFunc, interval, timeout time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if timeout > 0 {
					last := time.Unix(0, m.lastPong.Load())
					if time.Since(last) > timeout {
						logx.Log.Warn().Dur("timeout", timeout).Msg("no pong from broker; reconnecting")
						go func() {
							_ = m.Close(websocket.StatusGoingAway, "pong timeout")
						}()
						cancel()
						return
					}
				}
				_ = m.Send(ctx, tunnel.Frame{Type: tunnel.TypePing})
			}
		}
	}()
}

// NotePong records broker liveness.
func (m *Manager) NotePong() {
	m.lastPong.Store(time.Now().UnixNano())
}

// Read blocks for the next frame off the wire. Decode failures are returned
// as *tunnel.DecodeError for the caller to classify.
func (m *Manager) Read(ctx context.Context) (tunnel.Frame, error) {
	_, data, err := m.ws.Read(ctx)
	if err != nil {
		return tunnel.Frame{}, err
	}
	framesReceivedCounter.Inc()
	return m.codec.Decode(data)
}

// Close shuts the socket down and returns the manager to Disconnected.
func (m *Manager) Close(code websocket.StatusCode, reason string) error {
	m.mu.Lock()
	ws := m.ws
	m.state = StateDisconnected
	m.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close(code, reason)
}
