package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sessioncap/sessioncap/internal/logging"
)

// eventBuffer is larger than the longest legal event sequence.
const eventBuffer = 64

// Spec describes one worker launch.
type Spec struct {
	SessionID  string
	AccountKey string
}

// Launcher starts capture workers.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Handle controls a running worker.
type Handle interface {
	// Events is closed when the worker's event stream ends.
	Events() <-chan Event
	// Done is closed when the worker has fully exited.
	Done() <-chan struct{}
	// Terminate asks the worker to stop, then kills it after grace.
	Terminate(grace time.Duration) error
	PID() int
}

// ProcessLauncher re-executes a binary with the worker subcommand.
type ProcessLauncher struct {
	Executable string
	// Args precede the per-launch flags, e.g. ["worker", "--config", path].
	Args   []string
	Env    []string
	Logger *logging.Logger
}

// NewProcessLauncher launches the current executable.
func NewProcessLauncher(args []string, logger *logging.Logger) (*ProcessLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ProcessLauncher{Executable: exe, Args: args, Logger: logger}, nil
}

func (l *ProcessLauncher) Start(_ context.Context, spec Spec) (Handle, error) {
	args := append([]string(nil), l.Args...)
	if spec.AccountKey != "" {
		args = append(args, "--account", spec.AccountKey)
	}
	if spec.SessionID != "" {
		args = append(args, "--session", spec.SessionID)
	}

	cmd := exec.Command(l.Executable, args...)
	if l.Env != nil {
		cmd.Env = l.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	logger := l.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.WithOutput(io.Discard))
	}
	logger = logger.With("worker_pid", cmd.Process.Pid)

	h := &processHandle{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		defer close(h.events)
		_ = ReadEvents(stdout, func(e Event) { h.events <- e }, func(line string, err error) {
			logger.Debug("worker stdout noise", "error", err.Error(), "length", len(line))
		})
	}()
	go func() {
		defer streams.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 4096), maxLine)
		for sc.Scan() {
			logger.Debug("worker stderr", "line", sc.Text())
		}
	}()
	go func() {
		streams.Wait()
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

type processHandle struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	events  chan Event
	done    chan struct{}
	waitErr error

	once sync.Once
}

func (h *processHandle) Events() <-chan Event  { return h.events }
func (h *processHandle) Done() <-chan struct{} { return h.done }
func (h *processHandle) PID() int              { return h.cmd.Process.Pid }

func (h *processHandle) Terminate(grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	h.once.Do(func() {
		_ = WriteCommand(h.stdin, Command{Type: CommandShutdown})
		_ = h.stdin.Close()
		if runtime.GOOS != "windows" {
			_ = h.cmd.Process.Signal(os.Interrupt)
		}
	})

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	if err := h.cmd.Process.Kill(); err != nil {
		select {
		case <-h.done:
			return nil
		default:
		}
		return fmt.Errorf("kill worker %d: %w", h.PID(), err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("worker %d did not exit after kill", h.PID())
	}
}

// InProcessLauncher runs the worker in a goroutine of this process.
type InProcessLauncher struct {
	Options Options
	// RunFunc replaces Run, for tests.
	RunFunc func(ctx context.Context, opts Options, sink Sink) error
}

func (l *InProcessLauncher) Start(_ context.Context, spec Spec) (Handle, error) {
	opts := l.Options
	if spec.AccountKey != "" {
		opts.AccountKey = spec.AccountKey
	}
	cmds := make(chan Command, 1)
	opts.Commands = cmds

	run := l.RunFunc
	if run == nil {
		run = Run
	}

	ctx, cancel := context.WithCancel(logging.WithSession(context.Background(), spec.SessionID, opts.AccountKey))
	h := &inProcessHandle{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		cmds:   cmds,
		cancel: cancel,
	}
	go func() {
		defer close(h.done)
		defer close(h.events)
		defer cancel()
		em := NewEmitter(ChanSink(h.events))
		defer func() {
			if r := recover(); r != nil {
				_ = em.Fail(fmt.Sprintf("worker panic: %v", r), string(debug.Stack()))
			}
		}()
		_ = run(ctx, opts, emitterSink{em})
	}()
	return h, nil
}

// emitterSink routes a run's events through the handle's emitter so a
// recovered panic cannot produce a second terminal event.
type emitterSink struct{ em *Emitter }

func (s emitterSink) Send(e Event) error { return s.em.Emit(e) }

type inProcessHandle struct {
	events chan Event
	done   chan struct{}
	cmds   chan Command
	cancel context.CancelFunc
	once   sync.Once
}

func (h *inProcessHandle) Events() <-chan Event  { return h.events }
func (h *inProcessHandle) Done() <-chan struct{} { return h.done }
func (h *inProcessHandle) PID() int              { return os.Getpid() }

func (h *inProcessHandle) Terminate(grace time.Duration) error {
	h.once.Do(func() {
		select {
		case h.cmds <- Command{Type: CommandShutdown}:
		default:
		}
	})
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("in-process worker did not stop")
	}
}
