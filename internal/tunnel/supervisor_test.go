package tunnel

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/cfshare/internal/policy"
)

type fakeProc struct {
	stdout io.Reader
	stderr io.Reader
	pid    int
	done   chan struct{}
	err    error

	mu       sync.Mutex
	signals  []os.Signal
	doneOnce sync.Once
}

func newFakeProc(stdout, stderr string) *fakeProc {
	return &fakeProc{
		stdout: strings.NewReader(stdout),
		stderr: strings.NewReader(stderr),
		pid:    4242,
		done:   make(chan struct{}),
	}
}

func (p *fakeProc) Stdout() io.Reader { return p.stdout }
func (p *fakeProc) Stderr() io.Reader { return p.stderr }
func (p *fakeProc) PID() int          { return p.pid }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	// Fakes die on the first signal.
	p.exit(nil)
	return nil
}

func (p *fakeProc) exit(err error) {
	p.doneOnce.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Err() error            { return p.err }

func (p *fakeProc) sentSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal{}, p.signals...)
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	script   []func() (Process, error)
}

func (l *fakeLauncher) Launch(path string, args []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.launches
	l.launches++
	if i >= len(l.script) {
		i = len(l.script) - 1
	}
	return l.script[i]()
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func TestExtractURL(t *testing.T) {
	assert.Equal(t, "https://witty-otter.trycloudflare.com",
		ExtractURL("2026-08-26 INF | https://witty-otter.trycloudflare.com |"))
	assert.Equal(t, "", ExtractURL("connecting to edge"))
	// The api subdomain is infrastructure, never a session URL.
	assert.Equal(t, "", ExtractURL("reaching https://api.trycloudflare.com for config"))
	assert.Equal(t, "https://real-one.trycloudflare.com",
		ExtractURL("https://api.trycloudflare.com then https://real-one.trycloudflare.com"))
}

func TestArgs(t *testing.T) {
	args := Args(3000, policy.TunnelPolicy{EdgeIPVersion: "4", Protocol: "http2"})
	assert.Equal(t, []string{
		"tunnel",
		"--url", "http://127.0.0.1:3000",
		"--edge-ip-version", "4",
		"--protocol", "http2",
		"--no-autoupdate",
	}, args)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("cloudflared version 2026.8.1 (built 2026-08-01)")
	require.NoError(t, err)
	assert.Equal(t, "2026.8.1", v)

	_, err = ParseVersion("garbage output")
	assert.Error(t, err)
}

func TestStartPublishesURL(t *testing.T) {
	proc := newFakeProc("INF | https://brave-stoat.trycloudflare.com |\n", "")
	launcher := &fakeLauncher{script: []func() (Process, error){
		func() (Process, error) { return proc, nil },
	}}
	sup := New(Config{AgentPath: "cloudflared", Launcher: launcher})

	var mu sync.Mutex
	var lines []string
	sink := func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}

	tun, err := sup.Start(context.Background(), 3000, policy.TunnelPolicy{EdgeIPVersion: "auto", Protocol: "auto"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "https://brave-stoat.trycloudflare.com", tun.URL)
	assert.Equal(t, 4242, tun.Proc.PID())

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, lines)
}

func TestStartRetriesAfterEarlyExit(t *testing.T) {
	dead := newFakeProc("", "failed to connect\n")
	dead.exit(errors.New("exit status 1"))
	good := newFakeProc("https://second-try.trycloudflare.com\n", "")

	launcher := &fakeLauncher{script: []func() (Process, error){
		func() (Process, error) { return dead, nil },
		func() (Process, error) { return good, nil },
	}}
	sup := New(Config{AgentPath: "cloudflared", Launcher: launcher})

	tun, err := sup.Start(context.Background(), 3000, policy.TunnelPolicy{EdgeIPVersion: "auto", Protocol: "auto"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://second-try.trycloudflare.com", tun.URL)
	assert.Equal(t, 2, launcher.count())
}

func TestStartExhaustsAttempts(t *testing.T) {
	launcher := &fakeLauncher{script: []func() (Process, error){
		func() (Process, error) {
			p := newFakeProc("", "")
			p.exit(errors.New("exit status 1"))
			return p, nil
		},
	}}
	sup := New(Config{AgentPath: "cloudflared", Launcher: launcher, Attempts: 3})

	_, err := sup.Start(context.Background(), 3000, policy.TunnelPolicy{EdgeIPVersion: "auto", Protocol: "auto"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, launcher.count())
}

func TestStartTimesOutWaitingForURL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	silent := newFakeProc("still connecting\n", "")
	launcher := &fakeLauncher{script: []func() (Process, error){
		func() (Process, error) { return silent, nil },
	}}
	sup := New(Config{AgentPath: "cloudflared", Launcher: launcher, Clock: clock, Attempts: 1})

	errCh := make(chan error, 1)
	go func() {
		_, err := sup.Start(context.Background(), 3000, policy.TunnelPolicy{EdgeIPVersion: "auto", Protocol: "auto"}, nil)
		errCh <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(DefaultReadyTimeout + time.Second)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed_out_waiting_for_url")
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the ready timeout")
	}
	assert.NotEmpty(t, silent.sentSignals())
}

func TestStartCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	silent := newFakeProc("no url here\n", "")
	launcher := &fakeLauncher{script: []func() (Process, error){
		func() (Process, error) { return silent, nil },
	}}
	sup := New(Config{AgentPath: "cloudflared", Launcher: launcher, Attempts: 1})

	_, err := sup.Start(ctx, 3000, policy.TunnelPolicy{EdgeIPVersion: "auto", Protocol: "auto"}, nil)
	require.Error(t, err)
}

func TestTerminateEscalates(t *testing.T) {
	proc := newFakeProc("", "")
	sup := New(Config{Launcher: &fakeLauncher{}})
	sup.Terminate(proc)

	signals := proc.sentSignals()
	require.NotEmpty(t, signals)
	assert.Equal(t, os.Signal(syscall.SIGTERM), signals[0])

	// Terminating an already-dead child is a no-op.
	sup.Terminate(proc)
	assert.Len(t, proc.sentSignals(), len(signals))
}
