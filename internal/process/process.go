package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrExecutableNotFound = errors.New("executable not found")
	ErrSpawnFailed        = errors.New("spawn failed")
	ErrUnrecoverable      = errors.New("process did not exit after kill")
)

const (
	// TailSize bounds the captured stdout/stderr kept in memory per stream.
	TailSize = 64 << 10

	outputDrainDelay = 2 * time.Second
	killWait         = 5 * time.Second
)

// Process is the handle to one running OS process. A single waiter goroutine
// reaps the child, so IsAlive never blocks and never races with Wait.
type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	stdout *tailBuffer
	stderr *tailBuffer

	mu       sync.Mutex
	exitErr  error
	exitedAt time.Time
	forced   bool
	closers  []io.Closer
}

// Start verifies the launch target and spawns the process in its own process
// group. Errors wrap ErrExecutableNotFound or ErrSpawnFailed.
func Start(spec Spec) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	cmd := spec.BuildCommand()
	if spec.Target != "" {
		if err := spec.Verify(); err != nil {
			return nil, err
		}
	}
	if err := spec.verifyCmd(cmd); err != nil {
		return nil, err
	}
	if spec.WorkDir != "" {
		if fi, err := os.Stat(spec.WorkDir); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: %s: work_dir %s is not a directory", ErrSpawnFailed, spec.Name, spec.WorkDir)
		}
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureSysProcAttr(cmd)

	p := &Process{
		name:   spec.Name,
		cmd:    cmd,
		done:   make(chan struct{}),
		stdout: newTailBuffer(TailSize),
		stderr: newTailBuffer(TailSize),
	}
	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, spec.Name, err)
	}
	cmd.Stdout = p.stdout
	if outW != nil {
		cmd.Stdout = io.MultiWriter(p.stdout, outW)
		p.closers = append(p.closers, outW)
	}
	cmd.Stderr = p.stderr
	if errW != nil {
		cmd.Stderr = io.MultiWriter(p.stderr, errW)
		p.closers = append(p.closers, errW)
	}
	// Grandchildren may hold the pipes open after the child exits.
	cmd.WaitDelay = outputDrainDelay

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		// The executable and work dir were verified above; what remains is
		// an OS-level failure such as a broken interpreter line.
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, spec.Name, err)
	}
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.exitedAt = time.Now()
	p.mu.Unlock()
	p.closeWriters()
	close(p.done)
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

// Name returns the service name the process was started for.
func (p *Process) Name() string { return p.name }

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// IsAlive reports whether the process has not been observed to exit.
func (p *Process) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the Wait error once the process exited; nil while alive or
// after a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitedAt returns the zero time while the process is alive.
func (p *Process) ExitedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitedAt
}

// Forced reports whether Terminate had to escalate to SIGKILL.
func (p *Process) Forced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forced
}

// Output returns the captured tail of stdout and stderr.
func (p *Process) Output() (stdout, stderr string) {
	return p.stdout.String(), p.stderr.String()
}

// Terminate asks the process group to exit, waits up to grace and then kills
// it. Terminating an exited process is a no-op.
func (p *Process) Terminate(grace time.Duration) error {
	if !p.IsAlive() {
		return nil
	}
	_ = terminateGroup(p.cmd)

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}

	p.mu.Lock()
	p.forced = true
	p.mu.Unlock()
	_ = killGroup(p.cmd)

	k := time.NewTimer(killWait)
	defer k.Stop()
	select {
	case <-p.done:
		return nil
	case <-k.C:
		return fmt.Errorf("%w: %s (pid %d)", ErrUnrecoverable, p.name, p.pid)
	}
}
