package bridge

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tunnelworks/llmbridge/internal/backend"
	"github.com/tunnelworks/llmbridge/internal/backoff"
	"github.com/tunnelworks/llmbridge/internal/config"
	"github.com/tunnelworks/llmbridge/internal/logx"
	"github.com/tunnelworks/llmbridge/internal/secret"
	"github.com/tunnelworks/llmbridge/internal/tunnel"
)

// Run starts the bridge and blocks until the context is cancelled or a
// non-recoverable error occurs. It owns startup order (probe backend, connect,
// handshake, announce, serve) and, when reconnect is enabled, the backoff loop
// between connection attempts.
func Run(ctx context.Context, cfg config.Config, tracker *Tracker) error {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if tracker == nil {
		tracker = NewTracker(nil)
	}
	tracker.SetBridgeInfo(cfg.ClientID, cfg.ClientName, cfg.MaxSessions)
	tracker.SetState("connecting")
	logx.Log.Info().Str("client_id", cfg.ClientID).Str("client_name", cfg.ClientName).
		Str("broker", cfg.BrokerURL).Str("token", secret.Mask(cfg.AuthToken)).Msg("starting bridge")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := backend.New(cfg.BackendBaseURL, cfg.BackendAPIKey)
	announceModels(ctx, cfg, client, tracker)
	go probeBackend(ctx, cfg, client, tracker)

	if cfg.StatusAddr != "" {
		if _, err := StartStatusServer(ctx, cfg, tracker, cancel); err != nil {
			return err
		}
	}
	if cfg.MetricsAddr != "" {
		if _, err := StartMetricsServer(ctx, cfg.MetricsAddr); err != nil {
			return err
		}
	}

	attempt := 0
	for {
		tracker.SetConnectedToBroker(false)
		if !tracker.IsDraining() {
			tracker.SetState("connecting")
		}
		activeFor, err := connectAndServe(ctx, cfg, client, tracker)
		if err == nil || errors.Is(err, ErrAuthRejected) || !cfg.Reconnect {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tracker.SetLastError(err.Error())
		tracker.SetState("error")
		attempt = nextAttempt(attempt, activeFor, cfg.StableAfter)
		delay := backoff.Delay(attempt)
		attempt++
		reconnectsCounter.Inc()
		logx.Log.Warn().Dur("backoff", delay).Err(err).Msg("connection to broker lost; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// nextAttempt returns the backoff attempt to use after a connection ended.
// A connection that stayed active for stableAfter resets the schedule.
func nextAttempt(attempt int, activeFor, stableAfter time.Duration) int {
	if activeFor >= stableAfter && activeFor > 0 {
		return 0
	}
	return attempt
}

// connectAndServe performs one dial/handshake/serve cycle and reports how
// long the connection was active. All sessions alive when it returns have
// been cancelled; nothing survives into the next attempt.
func connectAndServe(ctx context.Context, cfg config.Config, client *backend.Client, tracker *Tracker) (time.Duration, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr := NewManager(tunnel.Codec{MaxPayload: cfg.MaxPayloadBytes})
	if err := mgr.Dial(connCtx, cfg.BrokerURL, cfg.AuthToken); err != nil {
		return 0, err
	}
	defer func() {
		_ = mgr.Close(websocket.StatusInternalError, "closing")
	}()

	if err := mgr.Handshake(connCtx, cfg.AuthToken, tracker.Get().Models); err != nil {
		return 0, err
	}
	activeAt := time.Now()
	mgr.Activate()
	tracker.SetConnectedToBroker(true)
	if !tracker.IsDraining() {
		tracker.SetState("connected_idle")
	}
	tracker.SetLastError("")
	logx.Log.Info().Str("broker", cfg.BrokerURL).Str("client_id", cfg.ClientID).Msg("connected to broker")

	mgr.startWriter(connCtx, cancel)
	mgr.startPing(connCtx, cancel, cfg.PingInterval, cfg.PongTimeout)

	mux := NewMultiplexer(client, mgr.Send, cfg.MaxSessions, cfg.RequestTimeout, tracker)
	defer mux.CancelAll()
	defer tracker.SetConnectedToBroker(false)

	checkDrain := func() {
		if tracker.IsDraining() && mux.ActiveCount() == 0 {
			mgr.StartDraining()
			go mgr.CloseDrained(connCtx)
		}
	}
	mux.SetOnDone(checkDrain)
	tracker.setDrainCheck(checkDrain)
	defer tracker.setDrainCheck(nil)
	checkDrain()

	for {
		f, err := mgr.Read(connCtx)
		if err != nil {
			var de *tunnel.DecodeError
			if errors.As(err, &de) {
				if de.Reason == tunnel.UnknownType {
					logx.Log.Warn().Err(de).Msg("skipping unknown frame type")
					continue
				}
				// Protocol desync is unrecoverable; tear the connection down.
				logx.Log.Error().Err(de).Msg("protocol error; closing connection")
				_ = mgr.Close(websocket.StatusProtocolError, string(de.Reason))
				return time.Since(activeAt), err
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				lvl := logx.Log.Info()
				if ce.Code != websocket.StatusNormalClosure {
					lvl = logx.Log.Error()
				}
				lvl.Str("reason", ce.Reason).Msg("broker connection closed")
			} else {
				logx.Log.Error().Err(err).Msg("broker read error")
			}
			if tracker.IsDraining() && mux.ActiveCount() == 0 {
				return time.Since(activeAt), nil
			}
			return time.Since(activeAt), err
		}
		dispatch(connCtx, mgr, mux, tracker, f)
	}
}

// dispatch routes one inbound frame. Session frames go to the multiplexer;
// connection-level control frames are handled here.
func dispatch(ctx context.Context, mgr *Manager, mux *Multiplexer, tracker *Tracker, f tunnel.Frame) {
	switch f.Type {
	case tunnel.TypeRequestOpen:
		if tracker.IsDraining() {
			logx.Log.Warn().Str("session_id", f.SessionID).Msg("reject session while draining")
			_ = mgr.Send(ctx, tunnel.Frame{Type: tunnel.TypeError, SessionID: f.SessionID,
				Code: tunnel.CodeDraining, Message: "bridge is draining"})
			return
		}
		switch err := mux.Open(ctx, f); {
		case errors.Is(err, ErrDuplicateSession):
			logx.Log.Warn().Str("session_id", f.SessionID).Msg("duplicate session id")
			_ = mgr.Send(ctx, tunnel.Frame{Type: tunnel.TypeError, SessionID: f.SessionID,
				Code: tunnel.CodeDuplicateSession, Message: "session id already open"})
		case errors.Is(err, ErrOverloaded):
			logx.Log.Warn().Str("session_id", f.SessionID).Msg("session limit reached")
			_ = mgr.Send(ctx, tunnel.Frame{Type: tunnel.TypeError, SessionID: f.SessionID,
				Code: tunnel.CodeOverloaded, Message: "too many concurrent sessions"})
		}
	case tunnel.TypeRequestChunk:
		if err := mux.FeedChunk(ctx, f); errors.Is(err, ErrUnknownSession) {
			logx.Log.Debug().Str("session_id", f.SessionID).Uint64("seq", f.Seq).Msg("chunk for unknown session")
		}
	case tunnel.TypeCancel:
		mux.Cancel(f.SessionID)
	case tunnel.TypePing:
		_ = mgr.Send(ctx, tunnel.Frame{Type: tunnel.TypePong})
	case tunnel.TypePong:
		mgr.NotePong()
		tracker.SetLastPong(time.Now())
	case tunnel.TypeError:
		if f.SessionID != "" {
			logx.Log.Warn().Str("session_id", f.SessionID).Str("code", f.Code).Str("message", f.Message).Msg("broker session error")
			mux.Cancel(f.SessionID)
		} else {
			logx.Log.Warn().Str("code", f.Code).Str("message", f.Message).Msg("broker error")
		}
	default:
		// hello, hello_ack and response_chunk never originate from the broker
		// mid-stream; tolerate and log.
		logx.Log.Warn().Str("type", f.Type).Msg("unexpected frame from broker")
	}
}

// announceModels resolves the model list announced in the hello frame, either
// the configured static name or the backend's /v1/models listing.
func announceModels(ctx context.Context, cfg config.Config, client *backend.Client, tracker *Tracker) {
	if cfg.ModelName != "" {
		tracker.SetModels([]string{cfg.ModelName})
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	models, err := client.Models(pctx)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("backend model discovery failed; announcing none")
		tracker.SetConnectedToBackend(false)
		tracker.SetLastError(err.Error())
		return
	}
	tracker.SetConnectedToBackend(true)
	tracker.SetModels(models)
}

// probeBackend periodically polls the backend, keeping the status surface
// current. With a static model name only liveness is checked; otherwise the
// model listing is refreshed and takes effect on the next connect.
func probeBackend(ctx context.Context, cfg config.Config, client *backend.Client, tracker *Tracker) {
	interval := cfg.ModelPollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			var models []string
			var err error
			if cfg.ModelName != "" {
				err = client.Health(pctx)
			} else {
				models, err = client.Models(pctx)
			}
			cancel()
			if err != nil {
				tracker.SetConnectedToBackend(false)
				tracker.SetLastError(err.Error())
				continue
			}
			tracker.SetConnectedToBackend(true)
			if cfg.ModelName == "" && !reflect.DeepEqual(models, tracker.Get().Models) {
				logx.Log.Info().Int("count", len(models)).Msg("backend models changed")
				tracker.SetModels(models)
			}
		}
	}
}
