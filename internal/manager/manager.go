// Package manager owns the exposure session table and lifecycle: bring-up,
// the guarded terminal transition, the reaper, and the public operations
// the adapter calls.
package manager

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openclaw/cfshare/internal/audit"
	"github.com/openclaw/cfshare/internal/config"
	"github.com/openclaw/cfshare/internal/origin"
	"github.com/openclaw/cfshare/internal/policy"
	"github.com/openclaw/cfshare/internal/session"
	"github.com/openclaw/cfshare/internal/tunnel"
)

// reaperInterval is how often expired sessions are swept.
const reaperInterval = 30 * time.Second

// Options are the injectable collaborators; zero values mean production
// defaults.
type Options struct {
	Clock          clockwork.Clock
	Launcher       tunnel.Launcher
	ProbeTransport http.RoundTripper
	Renderer       origin.Renderer
}

// policySnapshot is the immutable effective-policy state. UpdatePolicy swaps
// the whole pointer, so readers never observe a partial reload.
type policySnapshot struct {
	effective policy.Policy
	warnings  []string
	ignore    *policy.IgnoreMatcher
}

// Manager is the exposure manager. Construct one per process with New.
type Manager struct {
	cfg      config.Runtime
	stateDir string
	polSnap  atomic.Pointer[policySnapshot]
	store    *audit.Store
	clock    clockwork.Clock
	sup      *tunnel.Supervisor
	probeRT  http.RoundTripper
	renderer origin.Renderer

	mu       sync.RWMutex
	sessions map[string]*managed

	reaperStop chan struct{}
	closeOnce  sync.Once
}

// managed pairs a session with the OS resources the table exclusively owns.
type managed struct {
	sess     *session.Session
	manifest []origin.ManifestEntry // served manifest (bundle entry in zip mode)
	entries  []origin.ManifestEntry // workspace walk entries
	proc     tunnel.Process
	servers  []*origin.Server
	ttl      clockwork.Timer

	termMu sync.Mutex
	done   bool
}

// New builds a manager: loads the policy, opens the audit store, and starts
// the reaper.
func New(cfg config.Runtime, opts Options) (*Manager, error) {
	stateDir, err := cfg.EffectiveStateDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create state dir: %w", err)
	}

	pol, warnings, ignore, err := policy.Load(stateDir, cfg.Policy)
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	store, err := audit.NewStore(stateDir, clock)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		stateDir: stateDir,
		store:    store,
		clock:    clock,
		sup: tunnel.New(tunnel.Config{
			AgentPath: cfg.AgentPath,
			Launcher:  opts.Launcher,
			Clock:     clock,
		}),
		probeRT:    opts.ProbeTransport,
		renderer:   opts.Renderer,
		sessions:   make(map[string]*managed),
		reaperStop: make(chan struct{}),
	}
	m.polSnap.Store(&policySnapshot{effective: pol, warnings: warnings, ignore: ignore})
	go m.reap()
	return m, nil
}

// Policy returns the effective policy.
func (m *Manager) Policy() policy.Policy { return m.polSnap.Load().effective }

// StateDir returns the resolved state directory.
func (m *Manager) StateDir() string { return m.stateDir }

// Close stops the reaper and terminates every live session with reason
// "shutdown".
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.reaperStop) })
	for _, id := range m.liveIDs() {
		m.stopSession(id, "shutdown", session.StatusStopped)
	}
}

// ActiveSessions reports the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// reap periodically retires sessions past their expiry.
func (m *Manager) reap() {
	ticker := m.clock.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reaperStop:
			return
		case <-ticker.Chan():
			m.reapOnce()
		}
	}
}

// reapOnce sweeps the table once. Iteration works on a snapshot of ids so a
// terminal transition never races table mutation.
func (m *Manager) reapOnce() {
	now := m.clock.Now()
	for _, md := range m.snapshotManaged() {
		if md.sess.Status() == session.StatusRunning && !md.sess.ExpiresAt.After(now) {
			m.stopSession(md.sess.ID, "expired", session.StatusExpired)
		}
	}
}

func (m *Manager) liveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) snapshotManaged() []*managed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*managed, 0, len(m.sessions))
	for _, md := range m.sessions {
		out = append(out, md)
	}
	return out
}

func (m *Manager) lookup(id string) (*managed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.sessions[id]
	return md, ok
}

// writeSnapshot persists the live table. Failures are logged, never
// propagated mid-transition.
func (m *Manager) writeSnapshot() {
	entries := make([]audit.SnapshotEntry, 0)
	for _, md := range m.snapshotManaged() {
		entries = append(entries, audit.SnapshotEntry{
			ID:           md.sess.ID,
			Type:         md.sess.Type,
			Status:       md.sess.Status().String(),
			ExpiresAt:    audit.FormatTime(md.sess.ExpiresAt),
			WorkspaceDir: md.sess.WorkspaceDir,
			ProcessPID:   md.sess.ProcessPID,
		})
	}
	if err := m.store.WriteSnapshot(entries); err != nil {
		m.logManager("snapshot write failed: " + err.Error())
	}
}

func (m *Manager) logManager(line string) {
	slog.Warn("[Manager] " + line)
}

// workspacesRoot is where per-session workspaces live.
func (m *Manager) workspacesRoot() string {
	return filepath.Join(m.stateDir, "workspaces")
}
