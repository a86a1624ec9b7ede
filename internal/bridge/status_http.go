package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tunnelworks/llmbridge/internal/config"
	"github.com/tunnelworks/llmbridge/internal/logx"
)

// hostStats is a point-in-time snapshot of the host, included in /status so
// operators can spot a starved machine without a metrics stack.
type hostStats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
}

func hostSnapshot() hostStats {
	var hs hostStats
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.MemUsedPercent = vm.UsedPercent
		hs.MemTotalBytes = vm.Total
	}
	return hs
}

type statusPayload struct {
	Status
	Host hostStats `json:"host"`
}

// StartStatusServer starts an HTTP server exposing status, version, and
// control endpoints. Control endpoints are limited to loopback callers
// presenting the token stored alongside the config file. It returns the
// address it is listening on.
func StartStatusServer(ctx context.Context, cfg config.Config, tracker *Tracker, shutdown func()) (string, error) {
	tokenPath := filepath.Join(filepath.Dir(tokenDir(cfg.ConfigFile)), "bridge.token")
	token, err := loadOrCreateToken(tokenPath)
	if err != nil {
		return "", err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)

	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, _ := net.SplitHostPort(r.RemoteAddr)
			if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			if r.Header.Get("X-Auth-Token") != token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	r := chi.NewRouter()
	if len(cfg.StatusAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.StatusAllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusPayload{Status: tracker.Get(), Host: hostSnapshot()})
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetVersionInfo())
	})
	r.Route("/control", func(cr chi.Router) {
		cr.Use(auth)
		cr.Post("/drain", func(w http.ResponseWriter, r *http.Request) {
			tracker.StartDrain()
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			if cfg.DrainTimeout > 0 {
				timer = time.AfterFunc(cfg.DrainTimeout, func() {
					if tracker.IsDraining() {
						tracker.SetState("terminating")
						shutdown()
					}
				})
			} else {
				timer = nil
			}
			timerMu.Unlock()
			w.WriteHeader(http.StatusOK)
		})
		cr.Post("/undrain", func(w http.ResponseWriter, r *http.Request) {
			tracker.StopDrain()
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
				timer = nil
			}
			timerMu.Unlock()
			w.WriteHeader(http.StatusOK)
		})
		cr.Post("/shutdown", func(w http.ResponseWriter, r *http.Request) {
			tracker.SetState("terminating")
			shutdown()
			w.WriteHeader(http.StatusOK)
		})
	})

	srv := &http.Server{Handler: r}
	ln, err := net.Listen("tcp", cfg.StatusAddr)
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
			logx.Log.Error().Err(err).Str("addr", actual).Msg("status server error")
		}
	}()
	return actual, nil
}

func tokenDir(configFile string) string {
	if strings.TrimSpace(configFile) == "" {
		return "llmbridge.yaml"
	}
	return configFile
}

func loadOrCreateToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		tok := strings.TrimSpace(string(b))
		if tok != "" {
			return tok, nil
		}
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	tok := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(tok), 0o600); err != nil {
		return "", err
	}
	return tok, nil
}
