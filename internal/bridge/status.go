package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunnelworks/llmbridge/internal/state"
)

// Status is the observable state of a bridge, served over /status.
type Status struct {
	State              string    `json:"state"`
	ConnectedToBroker  bool      `json:"connected_to_broker"`
	ConnectedToBackend bool      `json:"connected_to_backend"`
	ActiveSessions     int       `json:"active_sessions"`
	MaxSessions        int       `json:"max_sessions"`
	Models             []string  `json:"models"`
	LastError          string    `json:"last_error"`
	LastPong           time.Time `json:"last_pong"`
	ClientID           string    `json:"client_id"`
	ClientName         string    `json:"client_name"`
	Version            string    `json:"version"`
}

// VersionInfo describes the build, set at link time.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

var buildInfo = VersionInfo{Version: "dev", BuildSHA: "unknown", BuildDate: "unknown"}

// SetBuildInfo records the build identity shown in /version and hello logs.
func SetBuildInfo(v, sha, date string) {
	buildInfo = VersionInfo{Version: v, BuildSHA: sha, BuildDate: date}
}

// GetVersionInfo returns the build identity.
func GetVersionInfo() VersionInfo {
	return buildInfo
}

// Tracker holds the mutable status of one bridge instance. Draining survives
// restarts through the configured state store.
type Tracker struct {
	mu         sync.RWMutex
	data       Status
	draining   atomic.Bool
	drainMu    sync.Mutex
	drainCheck func()
	store      state.Store
}

// NewTracker returns a Tracker backed by store. A store that reports a
// draining bridge restores the drain on startup.
func NewTracker(store state.Store) *Tracker {
	if store == nil {
		store = state.NewMemoryStore()
	}
	t := &Tracker{store: store}
	t.data = Status{State: "disconnected", Version: buildInfo.Version}
	if store.Load().Draining {
		t.draining.Store(true)
		t.data.State = "draining"
	}
	return t
}

// Get returns a snapshot of the current status.
func (t *Tracker) Get() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data
}

func (t *Tracker) persistLocked() {
	t.store.Store(state.State{Status: t.data.State, Draining: t.draining.Load()})
}

// SetBridgeInfo records the identity announced to the broker.
func (t *Tracker) SetBridgeInfo(id, name string, maxSessions int) {
	t.mu.Lock()
	t.data.ClientID = id
	t.data.ClientName = name
	t.data.MaxSessions = maxSessions
	cur := t.data.ActiveSessions
	t.mu.Unlock()
	setMaxSessions(maxSessions)
	setActiveSessions(cur)
}

// SetState updates the status string and persists it.
func (t *Tracker) SetState(s string) {
	t.mu.Lock()
	t.data.State = s
	t.persistLocked()
	t.mu.Unlock()
}

// SetConnectedToBroker flips the broker link status.
func (t *Tracker) SetConnectedToBroker(v bool) {
	t.mu.Lock()
	t.data.ConnectedToBroker = v
	t.mu.Unlock()
	setConnectedToBroker(v)
}

// SetConnectedToBackend flips the backend link status.
func (t *Tracker) SetConnectedToBackend(v bool) {
	t.mu.Lock()
	t.data.ConnectedToBackend = v
	t.mu.Unlock()
	setConnectedToBackend(v)
}

// SetModels records the model ids announced in the hello frame.
func (t *Tracker) SetModels(models []string) {
	t.mu.Lock()
	t.data.Models = append([]string(nil), models...)
	t.mu.Unlock()
}

// SetLastError records the most recent failure for /status.
func (t *Tracker) SetLastError(e string) {
	t.mu.Lock()
	t.data.LastError = e
	t.mu.Unlock()
}

// SetLastPong records broker liveness.
func (t *Tracker) SetLastPong(ts time.Time) {
	t.mu.Lock()
	t.data.LastPong = ts
	t.mu.Unlock()
}

// IncSessions counts a session in and marks the bridge busy.
func (t *Tracker) IncSessions() {
	t.mu.Lock()
	t.data.ActiveSessions++
	if t.data.ConnectedToBroker && !t.IsDraining() {
		t.data.State = "connected_busy"
		t.persistLocked()
	}
	cur := t.data.ActiveSessions
	t.mu.Unlock()
	setActiveSessions(cur)
}

// DecSessions counts a session out, returning the number remaining.
func (t *Tracker) DecSessions() int {
	t.mu.Lock()
	if t.data.ActiveSessions > 0 {
		t.data.ActiveSessions--
	}
	rem := t.data.ActiveSessions
	if rem == 0 && t.data.ConnectedToBroker && !t.IsDraining() {
		t.data.State = "connected_idle"
		t.persistLocked()
	}
	t.mu.Unlock()
	setActiveSessions(rem)
	return rem
}

// StartDrain stops new sessions from being accepted and lets in-flight ones
// finish. The flag is persisted so a restart resumes draining.
func (t *Tracker) StartDrain() {
	t.draining.Store(true)
	t.SetState("draining")
	t.triggerDrainCheck()
}

// StopDrain resumes normal operation.
func (t *Tracker) StopDrain() {
	t.draining.Store(false)
	t.mu.Lock()
	if t.data.ConnectedToBroker {
		if t.data.ActiveSessions > 0 {
			t.data.State = "connected_busy"
		} else {
			t.data.State = "connected_idle"
		}
	} else {
		t.data.State = "disconnected"
	}
	t.persistLocked()
	t.mu.Unlock()
}

// IsDraining reports whether the bridge is refusing new sessions.
func (t *Tracker) IsDraining() bool {
	return t.draining.Load()
}

func (t *Tracker) setDrainCheck(fn func()) {
	t.drainMu.Lock()
	t.drainCheck = fn
	t.drainMu.Unlock()
}

func (t *Tracker) triggerDrainCheck() {
	t.drainMu.Lock()
	fn := t.drainCheck
	t.drainMu.Unlock()
	if fn != nil {
		fn()
	}
}
