package manager

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/cfshare/internal/access"
	"github.com/openclaw/cfshare/internal/audit"
	"github.com/openclaw/cfshare/internal/config"
	"github.com/openclaw/cfshare/internal/origin"
	"github.com/openclaw/cfshare/internal/session"
	"github.com/openclaw/cfshare/internal/tunnel"
)

// fakeProc is a scripted agent child whose output carries the public URL.
type fakeProc struct {
	stdout io.Reader
	done   chan struct{}
	once   sync.Once
	err    error
}

func newFakeProc(output string) *fakeProc {
	return &fakeProc{stdout: strings.NewReader(output), done: make(chan struct{})}
}

func (p *fakeProc) Stdout() io.Reader { return p.stdout }
func (p *fakeProc) Stderr() io.Reader { return strings.NewReader("") }
func (p *fakeProc) PID() int          { return 54321 }
func (p *fakeProc) Signal(sig os.Signal) error {
	p.exit(nil)
	return nil
}
func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Err() error            { return p.err }

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (l *fakeLauncher) Launch(path string, args []string) (tunnel.Process, error) {
	p := newFakeProc("INF | https://fake-session.trycloudflare.com |\n")
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type fixture struct {
	m        *Manager
	clock    clockwork.FakeClock
	launcher *fakeLauncher
	stateDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stateDir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	launcher := &fakeLauncher{}

	m, err := New(config.Runtime{StateDir: stateDir, AgentPath: "cloudflared"}, Options{
		Clock:    clock,
		Launcher: launcher,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return &fixture{m: m, clock: clock, launcher: launcher, stateDir: stateDir}
}

// listenLocal opens a throwaway local service so the bring-up probe passes.
func listenLocal(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func TestExposePortValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.ExposePort(ctx, ExposePortParams{Port: 0})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = f.m.ExposePort(ctx, ExposePortParams{Port: 70000})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = f.m.ExposePort(ctx, ExposePortParams{Port: 22})
	require.Error(t, err)
	assert.Equal(t, KindPolicyViolation, KindOf(err))
	assert.Equal(t, "port blocked by policy: 22", err.Error())
}

func TestExposePortLocalUnreachable(t *testing.T) {
	f := newFixture(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close() // nothing listens here anymore

	_, err = f.m.ExposePort(context.Background(), ExposePortParams{Port: port})
	assert.Equal(t, KindLocalUnreach, KindOf(err))
	assert.Equal(t, 0, f.m.ActiveSessions())
}

func TestExposePortLifecycle(t *testing.T) {
	f := newFixture(t)
	port := listenLocal(t)

	result, err := f.m.ExposePort(context.Background(), ExposePortParams{Port: port})
	require.NoError(t, err)

	assert.Equal(t, "running", result["status"])
	assert.Equal(t, "https://fake-session.trycloudflare.com", result["public_url"])
	assert.Equal(t, port, result["source_port"])

	accessInfo := result["access_info"].(map[string]interface{})
	assert.Equal(t, "token", accessInfo["mode"])
	assert.Contains(t, accessInfo["token"], "***")

	shareURL := result["share_url"].(string)
	assert.Contains(t, shareURL, "?token=")
	assert.NotContains(t, shareURL, "***")

	id := result["id"].(string)
	assert.True(t, strings.HasPrefix(id, "port_"))
	assert.Equal(t, 1, f.m.ActiveSessions())

	// Snapshot reflects the live table.
	data, err := os.ReadFile(filepath.Join(f.stateDir, audit.SnapshotFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), id)

	stop := f.m.Stop(StopParams{ID: id})
	assert.Equal(t, []string{id}, stop.Stopped)
	assert.Empty(t, stop.Failed)
	assert.Equal(t, 0, f.m.ActiveSessions())

	// Started and stopped events pair up.
	events, err := f.m.AuditQuery(audit.Filters{ID: id})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventExposureStarted, events[0].Event)
	assert.Equal(t, audit.EventExposureStopped, events[1].Event)
	assert.Equal(t, "user_stop", events[1].Details["reason"])
}

func TestStopUnknownAndIdempotent(t *testing.T) {
	f := newFixture(t)
	port := listenLocal(t)

	result, err := f.m.ExposePort(context.Background(), ExposePortParams{Port: port})
	require.NoError(t, err)
	id := result["id"].(string)

	first := f.m.Stop(StopParams{ID: id})
	assert.Len(t, first.Stopped, 1)

	second := f.m.Stop(StopParams{ID: id})
	assert.Empty(t, second.Stopped)
	require.Len(t, second.Failed, 1)
	assert.Equal(t, "not_found", second.Failed[0].Error)
}

func TestStopAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.ExposePort(ctx, ExposePortParams{Port: listenLocal(t)})
	require.NoError(t, err)
	_, err = f.m.ExposePort(ctx, ExposePortParams{Port: listenLocal(t)})
	require.NoError(t, err)
	require.Equal(t, 2, f.m.ActiveSessions())

	result := f.m.Stop(StopParams{ID: "all"})
	assert.Len(t, result.Stopped, 2)
	assert.Equal(t, 0, f.m.ActiveSessions())
}

func TestTTLExpiry(t *testing.T) {
	f := newFixture(t)
	port := listenLocal(t)

	result, err := f.m.ExposePort(context.Background(), ExposePortParams{
		Port: port,
		Opts: ExposeOpts{TTLSeconds: 60},
	})
	require.NoError(t, err)
	id := result["id"].(string)
	assert.Equal(t, 60, result["ttl_seconds"])

	f.clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool { return f.m.ActiveSessions() == 0 },
		3*time.Second, 10*time.Millisecond)

	events, err := f.m.AuditQuery(audit.Filters{ID: id, Event: audit.EventExposureExpired})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "expired", events[0].Details["reason"])
}

func TestAgentExitWhileRunning(t *testing.T) {
	f := newFixture(t)
	port := listenLocal(t)

	result, err := f.m.ExposePort(context.Background(), ExposePortParams{Port: port})
	require.NoError(t, err)
	id := result["id"].(string)

	f.launcher.last().exit(fmt.Errorf("exit status 1"))
	require.Eventually(t, func() bool { return f.m.ActiveSessions() == 0 },
		3*time.Second, 10*time.Millisecond)

	events, err := f.m.AuditQuery(audit.Filters{ID: id, Event: audit.EventExposureStopped})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "agent_exit_while_running", events[0].Details["reason"])
}

func TestExposeFilesLifecycle(t *testing.T) {
	f := newFixture(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("bravo"), 0o600))

	result, err := f.m.ExposeFiles(context.Background(), ExposeFilesParams{
		Paths: []string{src},
		Opts:  ExposeOpts{Access: "none", TTLSeconds: 300},
	})
	require.NoError(t, err)

	id := result["id"].(string)
	assert.True(t, strings.HasPrefix(id, "files_"))
	assert.Equal(t, "running", result["status"])
	assert.Equal(t, "preview", result["presentation"])
	assert.NotEmpty(t, result["local_url"])

	manifest := result["manifest"].([]origin.ManifestEntry)
	require.Len(t, manifest, 2)
	assert.Equal(t, int64(5), manifest[0].Size)

	workspace := filepath.Join(f.stateDir, "workspaces", id)
	assert.DirExists(t, workspace)

	stop := f.m.Stop(StopParams{ID: id})
	require.Len(t, stop.Stopped, 1)
	assert.Contains(t, stop.Cleaned, workspace)
	assert.NoDirExists(t, workspace)
}

func TestExposeFilesZipMode(t *testing.T) {
	f := newFixture(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("bravo"), 0o600))

	result, err := f.m.ExposeFiles(context.Background(), ExposeFilesParams{
		Paths: []string{filepath.Join(src, "a.txt"), filepath.Join(src, "b.txt")},
		Opts:  ExposeOpts{Mode: "zip"},
	})
	require.NoError(t, err)

	assert.Equal(t, true, result["zip_mode"])

	// Zip mode serves exactly one artifact: the bundle.
	manifest := result["manifest"].([]origin.ManifestEntry)
	require.Len(t, manifest, 1)
	assert.Equal(t, origin.BundleEntryName, manifest[0].Name)

	inputs := result["inputs"].([]origin.InputSummary)
	assert.Len(t, inputs, 2)
}

func TestExposeFilesValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.ExposeFiles(ctx, ExposeFilesParams{})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = f.m.ExposeFiles(ctx, ExposeFilesParams{Paths: []string{"x"}, Opts: ExposeOpts{Mode: "tar"}})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = f.m.ExposeFiles(ctx, ExposeFilesParams{Paths: []string{"x"}, Opts: ExposeOpts{Presentation: "hologram"}})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = f.m.ExposeFiles(ctx, ExposeFilesParams{Paths: []string{"/no/such/path/at/all"}})
	require.Error(t, err)
	assert.Equal(t, 0, f.m.ActiveSessions())
}

func TestGetShapesAndProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, err := f.m.ExposePort(ctx, ExposePortParams{Port: listenLocal(t)})
	require.NoError(t, err)
	id1 := r1["id"].(string)
	_, err = f.m.ExposePort(ctx, ExposePortParams{Port: listenLocal(t)})
	require.NoError(t, err)

	_, err = f.m.Get(GetParams{ID: "port_nope"})
	assert.Equal(t, KindNotFound, KindOf(err))

	single, err := f.m.Get(GetParams{ID: id1})
	require.NoError(t, err)
	require.Len(t, single.Sessions, 1)
	assert.Equal(t, id1, single.Sessions[0]["id"])

	all, err := f.m.Get(GetParams{ID: "all"})
	require.NoError(t, err)
	assert.Len(t, all.Sessions, 2)
	assert.False(t, all.Truncated)

	filtered, err := f.m.Get(GetParams{Filter: &GetFilter{Type: session.TypeFiles}})
	require.NoError(t, err)
	assert.Empty(t, filtered.Sessions)

	projected, err := f.m.Get(GetParams{ID: id1, Fields: []string{"status"}})
	require.NoError(t, err)
	require.Len(t, projected.Sessions, 1)
	v := projected.Sessions[0]
	assert.Equal(t, id1, v["id"])
	assert.Equal(t, "running", v["status"])
	assert.NotContains(t, v, "public_url")
}

func TestListSummaries(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.m.List())

	_, err := f.m.ExposePort(context.Background(), ExposePortParams{Port: listenLocal(t)})
	require.NoError(t, err)

	list := f.m.List()
	require.Len(t, list, 1)
	assert.NotContains(t, list[0], "manifest")
}

func TestLogsQuery(t *testing.T) {
	f := newFixture(t)

	result, err := f.m.ExposePort(context.Background(), ExposePortParams{Port: listenLocal(t)})
	require.NoError(t, err)
	id := result["id"].(string)

	out, err := f.m.Logs(LogsParams{ID: id})
	require.NoError(t, err)
	lines := out["lines"].([]map[string]interface{})
	require.NotEmpty(t, lines)

	// The tunnel readiness line and the manager promotion line both land.
	components := map[string]bool{}
	for _, l := range lines {
		components[l["component"].(string)] = true
	}
	assert.True(t, components["tunnel"])
	assert.True(t, components["manager"])

	onlyTunnel, err := f.m.Logs(LogsParams{ID: id, Component: "tunnel"})
	require.NoError(t, err)
	for _, l := range onlyTunnel["lines"].([]map[string]interface{}) {
		assert.Equal(t, "tunnel", l["component"])
	}

	_, err = f.m.Logs(LogsParams{ID: "files_nope"})
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestPolicyShowAndUpdate(t *testing.T) {
	f := newFixture(t)

	view, err := f.m.ShowPolicy()
	require.NoError(t, err)
	assert.Nil(t, view.Stored)
	assert.Equal(t, 3600, view.Effective.DefaultTTLSeconds)

	updated, err := f.m.UpdatePolicy(map[string]interface{}{"defaultTtlSeconds": float64(600)})
	require.NoError(t, err)
	assert.Equal(t, 600, updated.Effective.DefaultTTLSeconds)
	assert.Equal(t, float64(600), updated.Stored["defaultTtlSeconds"])

	events, err := f.m.AuditQuery(audit.Filters{Event: audit.EventPolicyUpdated})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = f.m.UpdatePolicy(nil)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestRunGCRemovesStrayWorkspaces(t *testing.T) {
	f := newFixture(t)

	stray := filepath.Join(f.stateDir, "workspaces", "files_dead_beef")
	require.NoError(t, os.MkdirAll(stray, 0o700))

	result, err := f.m.RunGC()
	require.NoError(t, err)
	assert.Contains(t, result.RemovedWorkspaces, stray)
	assert.NoDirExists(t, stray)

	events, err := f.m.AuditQuery(audit.Filters{Event: audit.EventGCRun})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRunGCKeepsLiveWorkspaces(t *testing.T) {
	f := newFixture(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("x"), 0o600))
	result, err := f.m.ExposeFiles(context.Background(), ExposeFilesParams{Paths: []string{src}})
	require.NoError(t, err)
	workspace := filepath.Join(f.stateDir, "workspaces", result["id"].(string))
	require.DirExists(t, workspace)

	gc, err := f.m.RunGC()
	require.NoError(t, err)
	assert.NotContains(t, gc.RemovedWorkspaces, workspace)
	assert.DirExists(t, workspace)
}

func TestEnvCheckMissingAgent(t *testing.T) {
	stateDir := t.TempDir()
	m, err := New(config.Runtime{StateDir: stateDir, AgentPath: "no-such-agent-binary-xyz"}, Options{
		Clock:    clockwork.NewFakeClock(),
		Launcher: &fakeLauncher{},
	})
	require.NoError(t, err)
	defer m.Close()

	result := m.EnvCheck()
	assert.False(t, result.OK)
	assert.Contains(t, result.AgentError, "agent not found")
	assert.True(t, result.StateDirWritable)
	assert.Equal(t, stateDir, result.StateDir)
}

func TestUpdatePolicyConcurrentWithBringup(t *testing.T) {
	f := newFixture(t)
	port := listenLocal(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			result, err := f.m.ExposePort(context.Background(), ExposePortParams{Port: port})
			if assert.NoError(t, err) {
				f.m.Stop(StopParams{ID: result["id"].(string)})
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			_, err := f.m.UpdatePolicy(map[string]interface{}{"defaultTtlSeconds": float64(600 + i)})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, f.m.ActiveSessions())
	view, err := f.m.ShowPolicy()
	require.NoError(t, err)
	assert.Equal(t, 624, view.Effective.DefaultTTLSeconds)
}

func TestGetManifestCaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := t.TempDir()
	for i := 0; i < 25; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(src, fmt.Sprintf("f%02d.txt", i)), []byte("x"), 0o600))
	}
	r1, err := f.m.ExposeFiles(ctx, ExposeFilesParams{Paths: []string{src}})
	require.NoError(t, err)
	id1 := r1["id"].(string)
	r2, err := f.m.ExposePort(ctx, ExposePortParams{Port: listenLocal(t)})
	require.NoError(t, err)
	id2 := r2["id"].(string)

	// A single-session get carries the full manifest.
	single, err := f.m.Get(GetParams{ID: id1})
	require.NoError(t, err)
	require.Len(t, single.Sessions, 1)
	assert.Len(t, single.Sessions[0]["manifest"].([]origin.ManifestEntry), 25)
	assert.NotContains(t, single.Sessions[0], "manifest_truncated")

	// A multi-session get caps each manifest and flags the cut.
	multi, err := f.m.Get(GetParams{IDs: []string{id1, id2}})
	require.NoError(t, err)
	require.Len(t, multi.Sessions, 2)
	for _, s := range multi.Sessions {
		if s["id"] != id1 {
			continue
		}
		assert.Len(t, s["manifest"].([]origin.ManifestEntry), 20)
		assert.Equal(t, true, s["manifest_truncated"])
	}
}

func TestGetSelectionCap(t *testing.T) {
	f := newFixture(t)
	port := listenLocal(t)

	for i := 0; i < maxSelection+1; i++ {
		// Distinct timestamps keep the ids distinct under the fake clock.
		f.clock.Advance(time.Millisecond)
		_, err := f.m.ExposePort(context.Background(), ExposePortParams{Port: port})
		require.NoError(t, err)
	}
	require.Equal(t, maxSelection+1, f.m.ActiveSessions())

	result, err := f.m.Get(GetParams{ID: "all"})
	require.NoError(t, err)
	assert.Len(t, result.Sessions, maxSelection)
	assert.True(t, result.Truncated)
}

// recordingRT is a scripted probe transport.
type recordingRT struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (rt *recordingRT) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.reqs = append(rt.reqs, req)
	rt.mu.Unlock()
	return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Header: http.Header{}}, nil
}

func TestGetProbePublic(t *testing.T) {
	rt := &recordingRT{}
	m, err := New(config.Runtime{StateDir: t.TempDir(), AgentPath: "cloudflared"}, Options{
		Clock:          clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)),
		Launcher:       &fakeLauncher{},
		ProbeTransport: rt,
	})
	require.NoError(t, err)
	defer m.Close()

	result, err := m.ExposePort(context.Background(), ExposePortParams{Port: listenLocal(t)})
	require.NoError(t, err)
	id := result["id"].(string)

	got, err := m.Get(GetParams{ID: id, ProbePublic: true})
	require.NoError(t, err)
	require.Len(t, got.Sessions, 1)
	probe := got.Sessions[0]["public_probe"].(map[string]interface{})
	assert.Equal(t, true, probe["ok"])
	assert.Equal(t, http.StatusNoContent, probe["status"])

	// The probe hits the public URL with the session's own credential.
	require.Len(t, rt.reqs, 1)
	req := rt.reqs[0]
	assert.Equal(t, http.MethodHead, req.Method)
	assert.Equal(t, "fake-session.trycloudflare.com", req.URL.Host)
	assert.NotEmpty(t, req.Header.Get(access.TokenHeader))
}

func TestBasicPasswordMaskedAfterBringup(t *testing.T) {
	f := newFixture(t)

	result, err := f.m.ExposePort(context.Background(), ExposePortParams{
		Port: listenLocal(t),
		Opts: ExposeOpts{Access: "basic"},
	})
	require.NoError(t, err)
	id := result["id"].(string)

	// Bring-up returns the credentials once, in the clear.
	info := result["access_info"].(map[string]interface{})
	password := info["password"].(string)
	assert.NotContains(t, password, "***")
	assert.Len(t, password, 16)

	// Every later view masks them.
	got, err := f.m.Get(GetParams{ID: id})
	require.NoError(t, err)
	masked := got.Sessions[0]["access_info"].(map[string]interface{})["password"].(string)
	assert.Contains(t, masked, "***")
	assert.NotEqual(t, password, masked)
}

func TestCloseStopsEverything(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.ExposePort(context.Background(), ExposePortParams{Port: listenLocal(t)})
	require.NoError(t, err)

	f.m.Close()
	assert.Equal(t, 0, f.m.ActiveSessions())

	events, err := f.m.AuditQuery(audit.Filters{Event: audit.EventExposureStopped})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "shutdown", events[0].Details["reason"])
}
