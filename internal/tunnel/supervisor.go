package tunnel

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openclaw/cfshare/internal/metrics"
	"github.com/openclaw/cfshare/internal/policy"
)

const (
	// DefaultReadyTimeout bounds the wait for the public URL.
	DefaultReadyTimeout = 30 * time.Second
	// DefaultAttempts is the spawn retry budget.
	DefaultAttempts = 2
	// terminateGrace is how long SIGTERM gets before SIGKILL.
	terminateGrace = 2500 * time.Millisecond
)

// quickTunnelURL matches candidate public URLs in agent output. The label
// is validated separately.
var quickTunnelURL = regexp.MustCompile(`https://([A-Za-z0-9-]+)\.trycloudflare\.com`)

// blacklistedLabels are subdomains that are never a session URL.
var blacklistedLabels = map[string]bool{"api": true}

// Config configures a Supervisor.
type Config struct {
	AgentPath    string
	Launcher     Launcher
	Clock        clockwork.Clock
	ReadyTimeout time.Duration
	Attempts     int
}

// Supervisor owns the quick-tunnel agent child for one or more sessions.
type Supervisor struct {
	cfg Config
}

// New builds a supervisor, filling config defaults.
func New(cfg Config) *Supervisor {
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	return &Supervisor{cfg: cfg}
}

// Tunnel is a started agent that has published a URL.
type Tunnel struct {
	URL  string
	Proc Process
}

// LogSink receives every line of agent output.
type LogSink func(line string)

// Args returns the agent invocation for a local target port under the given
// tunnel policy.
func Args(port int, pol policy.TunnelPolicy) []string {
	return []string{
		"tunnel",
		"--url", fmt.Sprintf("http://127.0.0.1:%d", port),
		"--edge-ip-version", pol.EdgeIPVersion,
		"--protocol", pol.Protocol,
		"--no-autoupdate",
	}
}

// Start spawns the agent targeting 127.0.0.1:port and waits for the first
// valid quick-tunnel URL in its output. The spawn is retried within the
// configured budget; the last error is reported on exhaustion.
func (s *Supervisor) Start(ctx context.Context, port int, pol policy.TunnelPolicy, sink LogSink) (*Tunnel, error) {
	args := Args(port, pol)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		metrics.TunnelSpawns.Inc()
		tun, err := s.startOnce(ctx, args, sink)
		if err == nil {
			return tun, nil
		}
		metrics.TunnelFailures.Inc()
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("tunnel startup failed after %d attempts: %w", s.cfg.Attempts, lastErr)
}

func (s *Supervisor) startOnce(ctx context.Context, args []string, sink LogSink) (*Tunnel, error) {
	proc, err := s.cfg.Launcher.Launch(s.cfg.AgentPath, args)
	if err != nil {
		return nil, err
	}

	urlCh := make(chan string, 1)
	var once sync.Once
	scan := func(r io.Reader) {
		readLines(r, func(line string) {
			if sink != nil {
				sink(line)
			}
			if u := ExtractURL(line); u != "" {
				once.Do(func() { urlCh <- u })
			}
		})
	}
	go scan(proc.Stdout())
	go scan(proc.Stderr())

	timeout := s.cfg.Clock.After(s.cfg.ReadyTimeout)
	select {
	case u := <-urlCh:
		return &Tunnel{URL: u, Proc: proc}, nil
	case <-proc.Done():
		return nil, fmt.Errorf("agent exited before publishing a URL: %v", proc.Err())
	case <-timeout:
		s.Terminate(proc)
		return nil, fmt.Errorf("timed_out_waiting_for_url after %s", s.cfg.ReadyTimeout)
	case <-ctx.Done():
		s.Terminate(proc)
		return nil, ctx.Err()
	}
}

// ExtractURL returns the first valid quick-tunnel URL in line, or "".
func ExtractURL(line string) string {
	for _, m := range quickTunnelURL.FindAllStringSubmatch(line, -1) {
		label := m[1]
		if blacklistedLabels[label] {
			continue
		}
		return m[0]
	}
	return ""
}

// Terminate stops a child: SIGTERM, a bounded grace period, then SIGKILL.
// A no-op if the child is already gone.
func (s *Supervisor) Terminate(proc Process) {
	if proc == nil {
		return
	}
	select {
	case <-proc.Done():
		return
	default:
	}

	proc.Signal(syscall.SIGTERM)
	select {
	case <-proc.Done():
		return
	case <-s.cfg.Clock.After(terminateGrace):
	}
	proc.Signal(syscall.SIGKILL)
	<-proc.Done()
}
