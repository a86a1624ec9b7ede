package bridge

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunnelworks/llmbridge/internal/logx"
)

var (
	connectedToBrokerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "llmbridge_connected_to_broker",
		Help: "Whether the bridge is connected to the broker (1 or 0)",
	})
	connectedToBackendGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "llmbridge_connected_to_backend",
		Help: "Whether the bridge can reach its local backend (1 or 0)",
	})
	activeSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "llmbridge_active_sessions",
		Help: "Number of sessions currently in flight",
	})
	maxSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "llmbridge_max_sessions",
		Help: "Maximum number of concurrent sessions",
	})
	sessionsStartedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmbridge_sessions_started_total",
		Help: "Total number of sessions opened",
	})
	sessionsCompletedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmbridge_sessions_completed_total",
		Help: "Total number of sessions that completed successfully",
	})
	sessionsFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmbridge_sessions_failed_total",
		Help: "Total number of sessions that failed",
	})
	sessionsCancelledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmbridge_sessions_cancelled_total",
		Help: "Total number of sessions cancelled by the broker or a disconnect",
	})
	sessionDurationHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "llmbridge_session_duration_seconds",
		Help:    "Duration of sessions in seconds",
		Buckets: prometheus.DefBuckets,
	})
	framesSentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmbridge_frames_sent_total",
		Help: "Total number of frames sent to the broker",
	})
	framesReceivedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmbridge_frames_received_total",
		Help: "Total number of frames received from the broker",
	})
	responseBytesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmbridge_response_bytes_total",
		Help: "Total response payload bytes relayed to the broker",
	})
	reconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmbridge_reconnects_total",
		Help: "Total number of reconnect attempts to the broker",
	})
)

// StartMetricsServer starts an HTTP server exposing Prometheus metrics on /metrics.
// It returns the address it is listening on.
func StartMetricsServer(ctx context.Context, addr string) (string, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		connectedToBrokerGauge,
		connectedToBackendGauge,
		activeSessionsGauge,
		maxSessionsGauge,
		sessionsStartedCounter,
		sessionsCompletedCounter,
		sessionsFailedCounter,
		sessionsCancelledCounter,
		sessionDurationHist,
		framesSentCounter,
		framesReceivedCounter,
		responseBytesCounter,
		reconnectsCounter,
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("metrics server error")
		}
	}()
	return actual, nil
}

func setConnectedToBroker(v bool) {
	if v {
		connectedToBrokerGauge.Set(1)
	} else {
		connectedToBrokerGauge.Set(0)
	}
}

func setConnectedToBackend(v bool) {
	if v {
		connectedToBackendGauge.Set(1)
	} else {
		connectedToBackendGauge.Set(0)
	}
}

func setActiveSessions(n int) {
	activeSessionsGauge.Set(float64(n))
}

func setMaxSessions(n int) {
	maxSessionsGauge.Set(float64(n))
}

func sessionStarted() {
	sessionsStartedCounter.Inc()
}

func sessionEnded(st SessionState, d time.Duration) {
	switch st {
	case SessionCompleted:
		sessionsCompletedCounter.Inc()
	case SessionCancelled:
		sessionsCancelledCounter.Inc()
	default:
		sessionsFailedCounter.Inc()
	}
	sessionDurationHist.Observe(d.Seconds())
}
