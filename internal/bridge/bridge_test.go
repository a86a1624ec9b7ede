package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tunnelworks/llmbridge/internal/config"
	"github.com/tunnelworks/llmbridge/internal/tunnel"
)

// fakeBroker accepts bridge connections, performs the hello handshake, and
// hands authenticated connections to the test.
type fakeBroker struct {
	codec   tunnel.Codec
	token   string
	srv     *httptest.Server
	conns   chan *brokerConn
	accepts atomic.Int32
	stray   atomic.Int32
}

type brokerConn struct {
	ws    *websocket.Conn
	codec tunnel.Codec
}

func newFakeBroker(t *testing.T, token string) *fakeBroker {
	fb := &fakeBroker{token: token, conns: make(chan *brokerConn, 8)}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := context.Background()
		fb.accepts.Add(1)
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		f, err := fb.codec.Decode(data)
		if err != nil || f.Type != tunnel.TypeHello {
			_ = c.Close(websocket.StatusProtocolError, "expected hello")
			return
		}
		if f.Token != fb.token {
			rej, _ := fb.codec.Encode(tunnel.Frame{Type: tunnel.TypeError, Code: tunnel.CodeAuthRejected, Message: "invalid token"})
			_ = c.Write(ctx, websocket.MessageText, rej)
			// Any frame arriving after a rejected hello is a protocol
			// violation; record it.
			rctx, rcancel := context.WithTimeout(ctx, 300*time.Millisecond)
			if _, _, err := c.Read(rctx); err == nil {
				fb.stray.Add(1)
			}
			rcancel()
			_ = c.Close(websocket.StatusPolicyViolation, "auth")
			return
		}
		ack, _ := fb.codec.Encode(tunnel.Frame{Type: tunnel.TypeHelloAck})
		if err := c.Write(ctx, websocket.MessageText, ack); err != nil {
			return
		}
		fb.conns <- &brokerConn{ws: c, codec: fb.codec}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBroker) url() string {
	return "ws://" + fb.srv.Listener.Addr().String()
}

func (fb *fakeBroker) accept(t *testing.T, timeout time.Duration) *brokerConn {
	t.Helper()
	select {
	case bc := <-fb.conns:
		return bc
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for bridge connection")
		return nil
	}
}

func (bc *brokerConn) write(t *testing.T, f tunnel.Frame) {
	t.Helper()
	b, err := bc.codec.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bc.ws.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", f.Type, err)
	}
}

func (bc *brokerConn) writeRaw(t *testing.T, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bc.ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write raw: %v", err)
	}
}

func (bc *brokerConn) read(t *testing.T, timeout time.Duration) (tunnel.Frame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := bc.ws.Read(ctx)
	if err != nil {
		return tunnel.Frame{}, err
	}
	return bc.codec.Decode(data)
}

func testConfig(brokerURL, backendURL string) config.Config {
	return config.Config{
		BrokerURL:         brokerURL,
		AuthToken:         "secret",
		BackendBaseURL:    backendURL,
		ModelName:         "m1",
		MaxSessions:       8,
		MaxPayloadBytes:   16 << 20,
		RequestTimeout:    30 * time.Second,
		PingInterval:      time.Minute,
		PongTimeout:       2 * time.Minute,
		StableAfter:       time.Minute,
		DrainTimeout:      time.Minute,
		ModelPollInterval: time.Hour,
		ClientID:          "test-bridge",
		ClientName:        "test",
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestRunAuthRejected(t *testing.T) {
	fb := newFakeBroker(t, "good")
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backendSrv.Close()

	cfg := testConfig(fb.url(), backendSrv.URL)
	cfg.AuthToken = "bad"
	cfg.Reconnect = true // must still not retry a rejected credential

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Run(ctx, cfg, NewTracker(nil))
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if n := fb.accepts.Load(); n != 1 {
		t.Fatalf("expected a single connection attempt, got %d", n)
	}
	if n := fb.stray.Load(); n != 0 {
		t.Fatalf("%d frames sent after rejected hello", n)
	}
}

func TestRunEndToEndStreamedCompletion(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"model":"m1","stream":true}` {
			t.Errorf("backend got body %q", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(w, "data: tok%d\n\n", i)
			fl.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer backendSrv.Close()

	fb := newFakeBroker(t, "secret")
	cfg := testConfig(fb.url(), backendSrv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg, NewTracker(nil)) }()

	bc := fb.accept(t, 5*time.Second)
	bc.write(t, tunnel.Frame{Type: tunnel.TypeRequestOpen, SessionID: "s1", Method: http.MethodPost,
		Path: "/v1/chat/completions", Headers: map[string]string{"Content-Type": "application/json"}})
	bc.write(t, tunnel.Frame{Type: tunnel.TypeRequestChunk, SessionID: "s1", Seq: 1,
		Data: []byte(`{"model":"m1","stream":true}`), Final: true})

	var frames []tunnel.Frame
	for {
		f, err := bc.read(t, 5*time.Second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.SessionID != "s1" {
			continue
		}
		frames = append(frames, f)
		if f.Final || f.Type == tunnel.TypeError {
			break
		}
	}
	var body []byte
	finals := 0
	for i, f := range frames {
		if f.Type != tunnel.TypeResponseChunk {
			t.Fatalf("frame %d: type %s", i, f.Type)
		}
		if f.Seq != uint64(i+1) {
			t.Fatalf("frame %d: seq %d", i, f.Seq)
		}
		if f.Final {
			finals++
		}
		body = append(body, f.Data...)
	}
	if finals != 1 || !frames[len(frames)-1].Final {
		t.Fatalf("expected exactly one trailing final frame, got %d", finals)
	}
	if frames[0].Status != http.StatusOK {
		t.Fatalf("status %d", frames[0].Status)
	}
	if want := "data: tok0\n\ndata: tok1\n\ndata: tok2\n\n"; string(body) != want {
		t.Fatalf("body %q, want %q", body, want)
	}

	// Cancelling the finished session must be a harmless no-op, and an
	// unknown frame type must be skipped without desyncing the connection.
	bc.write(t, tunnel.Frame{Type: tunnel.TypeCancel, SessionID: "s1"})
	bc.writeRaw(t, []byte(`{"type":"shiny_new_thing"}`))
	bc.write(t, tunnel.Frame{Type: tunnel.TypePing})
	f, err := bc.read(t, 5*time.Second)
	if err != nil || f.Type != tunnel.TypePong {
		t.Fatalf("expected pong, got %+v err=%v", f, err)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestForcedDisconnectCancelsSessions(t *testing.T) {
	release := make(chan struct{})
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backendSrv.Close()
	defer close(release)

	fb := newFakeBroker(t, "secret")
	cfg := testConfig(fb.url(), backendSrv.URL)
	cfg.Reconnect = true
	tracker := NewTracker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg, tracker) }()

	bc1 := fb.accept(t, 5*time.Second)
	ids := map[string]bool{}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("s%d", i)
		ids[id] = true
		bc1.write(t, tunnel.Frame{Type: tunnel.TypeRequestOpen, SessionID: id, Method: http.MethodGet, Path: "/slow", BodyComplete: true})
	}
	waitUntil(t, 5*time.Second, func() bool { return tracker.Get().ActiveSessions == 5 }, "5 sessions active")

	_ = bc1.ws.Close(websocket.StatusInternalError, "boom")

	bc2 := fb.accept(t, 10*time.Second)
	waitUntil(t, 5*time.Second, func() bool { return tracker.Get().ActiveSessions == 0 }, "sessions cancelled after disconnect")

	// Sessions do not survive a reconnect: nothing referencing the old ids
	// may appear on the new connection.
	for {
		f, err := bc2.read(t, 500*time.Millisecond)
		if err != nil {
			break
		}
		if ids[f.SessionID] {
			t.Fatalf("frame for cancelled session after reconnect: %+v", f)
		}
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestDrainLifecycle(t *testing.T) {
	release := make(chan struct{})
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer backendSrv.Close()

	fb := newFakeBroker(t, "secret")
	cfg := testConfig(fb.url(), backendSrv.URL)
	tracker := NewTracker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg, tracker) }()

	bc := fb.accept(t, 5*time.Second)
	bc.write(t, tunnel.Frame{Type: tunnel.TypeRequestOpen, SessionID: "s1", Method: http.MethodGet, Path: "/slow", BodyComplete: true})
	waitUntil(t, 5*time.Second, func() bool { return tracker.Get().ActiveSessions == 1 }, "session active")

	tracker.StartDrain()

	// New sessions are refused while draining.
	bc.write(t, tunnel.Frame{Type: tunnel.TypeRequestOpen, SessionID: "s2", Method: http.MethodGet, Path: "/slow", BodyComplete: true})
	for {
		f, err := bc.read(t, 5*time.Second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.SessionID != "s2" {
			continue
		}
		if f.Type != tunnel.TypeError || f.Code != tunnel.CodeDraining {
			t.Fatalf("expected draining error for s2, got %+v", f)
		}
		break
	}

	// The in-flight session finishes, then the bridge closes cleanly.
	close(release)
	sawFinal := false
	for {
		f, err := bc.read(t, 5*time.Second)
		if err != nil {
			break
		}
		if f.SessionID == "s1" && f.Type == tunnel.TypeResponseChunk && f.Final {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Fatal("in-flight session did not complete during drain")
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("drained bridge returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop after drain")
	}
}

func TestPongTimeoutForcesReconnect(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backendSrv.Close()

	fb := newFakeBroker(t, "secret")
	cfg := testConfig(fb.url(), backendSrv.URL)
	cfg.Reconnect = true
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 60 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg, NewTracker(nil)) }()

	fb.accept(t, 5*time.Second)
	// The broker never answers pings, so the bridge must give up on the
	// connection and dial again.
	fb.accept(t, 10*time.Second)

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestMalformedFrameTearsDownConnection(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backendSrv.Close()

	fb := newFakeBroker(t, "secret")
	cfg := testConfig(fb.url(), backendSrv.URL)
	cfg.Reconnect = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg, NewTracker(nil)) }()

	bc1 := fb.accept(t, 5*time.Second)
	bc1.writeRaw(t, []byte("this is not json"))

	// Protocol desync is unrecoverable: the bridge drops the connection and
	// dials fresh.
	fb.accept(t, 10*time.Second)

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestNextAttempt(t *testing.T) {
	if got := nextAttempt(4, 2*time.Minute, time.Minute); got != 0 {
		t.Fatalf("stable connection should reset attempts, got %d", got)
	}
	if got := nextAttempt(4, 10*time.Millisecond, time.Minute); got != 4 {
		t.Fatalf("short-lived connection should keep the schedule, got %d", got)
	}
	if got := nextAttempt(4, 0, time.Minute); got != 4 {
		t.Fatalf("failed dial should keep the schedule, got %d", got)
	}
}
