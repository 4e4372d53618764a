// Package tunnel supervises the external quick-tunnel agent: spawning,
// stream scanning for the readiness URL, retries, and termination.
package tunnel

import (
	"io"
	"os"
	"os/exec"
	"sync"
)

// Process is a running agent child. The default implementation wraps
// os/exec; tests inject fakes.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	PID() int
	Signal(sig os.Signal) error
	// Done is closed once the child has exited.
	Done() <-chan struct{}
	// Err reports the exit error after Done is closed.
	Err() error
}

// Launcher starts agent processes. Injected into the supervisor so tests
// can substitute scripted children.
type Launcher interface {
	Launch(path string, args []string) (Process, error)
}

// ExecLauncher launches real processes via os/exec.
type ExecLauncher struct{}

// Launch starts path with args and wires up its stream pipes.
func (ExecLauncher) Launch(path string, args []string) (Process, error) {
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	done   chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
