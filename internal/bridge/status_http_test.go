package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tunnelworks/llmbridge/internal/config"
)

func TestStatusServer(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		StatusAddr:   "127.0.0.1:0",
		ConfigFile:   filepath.Join(dir, "llmbridge.yaml"),
		DrainTimeout: time.Minute,
	}
	tracker := NewTracker(nil)
	tracker.SetBridgeInfo("b1", "bridge-one", 8)
	shutdownCalled := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := StartStatusServer(ctx, cfg, tracker, func() { shutdownCalled <- struct{}{} })
	if err != nil {
		t.Fatalf("start status server: %v", err)
	}
	base := "http://" + addr

	resp, err := http.Get(base + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var st statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	_ = resp.Body.Close()
	if st.ClientID != "b1" || st.MaxSessions != 8 {
		t.Fatalf("unexpected status payload: %+v", st)
	}

	resp, err = http.Get(base + "/version")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(b), "version") {
		t.Fatalf("version payload %q", b)
	}

	tok, err := os.ReadFile(filepath.Join(dir, "bridge.token"))
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	token := strings.TrimSpace(string(tok))

	// Control endpoints refuse requests without the local token.
	req, _ := http.NewRequest(http.MethodPost, base+"/control/drain", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("drain without token: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("drain without token: status %d", resp.StatusCode)
	}
	if tracker.IsDraining() {
		t.Fatal("unauthorized request started a drain")
	}

	req, _ = http.NewRequest(http.MethodPost, base+"/control/drain", nil)
	req.Header.Set("X-Auth-Token", token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !tracker.IsDraining() {
		t.Fatalf("drain: status %d draining=%v", resp.StatusCode, tracker.IsDraining())
	}

	req, _ = http.NewRequest(http.MethodPost, base+"/control/undrain", nil)
	req.Header.Set("X-Auth-Token", token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("undrain: %v", err)
	}
	_ = resp.Body.Close()
	if tracker.IsDraining() {
		t.Fatal("undrain did not clear the drain")
	}

	req, _ = http.NewRequest(http.MethodPost, base+"/control/shutdown", nil)
	req.Header.Set("X-Auth-Token", token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_ = resp.Body.Close()
	select {
	case <-shutdownCalled:
	case <-time.After(time.Second):
		t.Fatal("shutdown endpoint did not invoke shutdown")
	}
}

func TestLoadOrCreateTokenReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.token")
	tok1, err := loadOrCreateToken(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tok2, err := loadOrCreateToken(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("token changed between loads")
	}
	if len(tok1) != 64 {
		t.Fatalf("token length %d", len(tok1))
	}
}
