// Package sysproxy points the operating system's HTTP(S) proxy at the
// capture engine for the duration of a session.
package sysproxy

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
)

// Switch enables and disables OS traffic redirection.
type Switch interface {
	Name() string
	Enable(ctx context.Context, addr string) error
	Disable(ctx context.Context) error
}

// New returns the switch for the configured mode on this OS.
func New(cfg config.SystemProxyConfig, logger *logging.Logger) Switch {
	if cfg.Mode == "none" {
		return Noop{}
	}
	return platformSwitch(cfg, logger)
}

// Noop leaves the OS untouched.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Enable(context.Context, string) error { return nil }

func (Noop) Disable(context.Context) error { return nil }

// Recorder is a Switch that records calls, for tests and dry runs.
type Recorder struct {
	mu        sync.Mutex
	Enabled   bool
	Addr      string
	Enables   int
	Disables  int
	EnableErr error // returned by Enable when set
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Enable(_ context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Enables++
	if r.EnableErr != nil {
		return r.EnableErr
	}
	r.Enabled = true
	r.Addr = addr
	return nil
}

func (r *Recorder) Disable(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Disables++
	r.Enabled = false
	return nil
}

// State returns a snapshot of the recorded state.
func (r *Recorder) State() (enabled bool, enables, disables int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled, r.Enables, r.Disables
}

// runner executes an external program and returns its combined output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("proxy address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("proxy address %q: invalid port", addr)
	}
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return host, port, nil
}
