package sysproxy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
)

const internetSettings = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// WinINet option codes.
const (
	internetOptionRefresh         = 37
	internetOptionSettingsChanged = 39
)

var procInternetSetOption = windows.NewLazySystemDLL("wininet.dll").NewProc("InternetSetOptionW")

func platformSwitch(cfg config.SystemProxyConfig, logger *logging.Logger) Switch {
	return &registrySwitch{bypass: cfg.Bypass, logger: logger}
}

// registrySwitch edits the per-user Internet Settings and restores the
// previous values on Disable.
type registrySwitch struct {
	bypass []string
	logger *logging.Logger

	mu   sync.Mutex
	prev *proxySnapshot
}

func (r *registrySwitch) Name() string { return "registry" }

func (r *registrySwitch) Enable(_ context.Context, addr string) error {
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettings, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open internet settings: %w", err)
	}
	defer key.Close()

	if r.prev == nil {
		r.prev = snapshotProxy(key)
	}
	if err := applyProxy(key, fmt.Sprintf("%s:%d", host, port), strings.Join(r.bypass, ";")); err != nil {
		return err
	}
	return refreshWinINet()
}

func (r *registrySwitch) Disable(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prev == nil {
		return nil
	}

	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettings, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open internet settings: %w", err)
	}
	defer key.Close()

	if err := restoreProxy(key, r.prev); err != nil {
		return err
	}
	r.prev = nil
	return refreshWinINet()
}

func refreshWinINet() error {
	for _, opt := range []uintptr{internetOptionSettingsChanged, internetOptionRefresh} {
		ok, _, err := procInternetSetOption.Call(0, opt, 0, 0)
		if ok == 0 {
			return fmt.Errorf("InternetSetOption(%d): %w", opt, err)
		}
	}
	return nil
}
