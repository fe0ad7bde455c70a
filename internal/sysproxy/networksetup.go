package sysproxy

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/sessioncap/sessioncap/internal/logging"
)

// macOS proxy settings via networksetup, applied to each configured network
// service. Services that do not exist are skipped.
type networksetupSwitch struct {
	run      runner
	services []string
	bypass   []string
	logger   *logging.Logger

	mu      sync.Mutex
	applied []string
}

func newNetworksetupSwitch(run runner, services, bypass []string, logger *logging.Logger) *networksetupSwitch {
	return &networksetupSwitch{run: run, services: services, bypass: bypass, logger: logger}
}

func (n *networksetupSwitch) Name() string { return "networksetup" }

func (n *networksetupSwitch) Enable(ctx context.Context, addr string) error {
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	var lastErr error
	for _, svc := range n.services {
		if err := n.enableService(ctx, svc, host, port); err != nil {
			n.logger.Warn("network service not configured", "service", svc, "error", err.Error())
			lastErr = err
			continue
		}
		n.applied = append(n.applied, svc)
	}
	if len(n.applied) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no network services configured")
		}
		return lastErr
	}
	return nil
}

func (n *networksetupSwitch) enableService(ctx context.Context, svc, host string, port int) error {
	p := strconv.Itoa(port)
	if _, err := n.run(ctx, "networksetup", "-setwebproxy", svc, host, p); err != nil {
		return err
	}
	if _, err := n.run(ctx, "networksetup", "-setsecurewebproxy", svc, host, p); err != nil {
		return err
	}
	if len(n.bypass) > 0 {
		args := append([]string{"-setproxybypassdomains", svc}, n.bypass...)
		if _, err := n.run(ctx, "networksetup", args...); err != nil {
			return err
		}
	}
	return nil
}

func (n *networksetupSwitch) Disable(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var firstErr error
	for _, svc := range n.applied {
		for _, flag := range []string{"-setwebproxystate", "-setsecurewebproxystate"} {
			if _, err := n.run(ctx, "networksetup", flag, svc, "off"); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	n.applied = nil
	return firstErr
}
