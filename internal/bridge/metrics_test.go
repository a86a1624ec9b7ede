package bridge

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestStartMetricsServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := StartMetricsServer(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start metrics server: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	for _, name := range []string{
		"llmbridge_connected_to_broker",
		"llmbridge_active_sessions",
		"llmbridge_sessions_started_total",
		"llmbridge_session_duration_seconds",
	} {
		if !strings.Contains(string(b), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
