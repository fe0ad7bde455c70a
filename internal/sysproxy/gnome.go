package sysproxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sessioncap/sessioncap/internal/logging"
)

// gnomeSetting is one gsettings key the switch overwrites.
type gnomeSetting struct {
	schema string
	key    string
}

// gnomeSettings are saved on Enable and written back on Disable. Mode is
// handled separately and always restored last.
var gnomeSettings = []gnomeSetting{
	{"org.gnome.system.proxy.http", "host"},
	{"org.gnome.system.proxy.http", "port"},
	{"org.gnome.system.proxy.https", "host"},
	{"org.gnome.system.proxy.https", "port"},
	{"org.gnome.system.proxy", "ignore-hosts"},
}

// GNOME proxy settings via gsettings. Every key written on Enable is
// restored on Disable.
type gnomeSwitch struct {
	run    runner
	bypass []string
	logger *logging.Logger

	mu       sync.Mutex
	prevMode string
	prev     map[gnomeSetting]string
	enabled  bool
}

func newGnomeSwitch(run runner, bypass []string, logger *logging.Logger) *gnomeSwitch {
	return &gnomeSwitch{run: run, bypass: bypass, logger: logger}
}

func (g *gnomeSwitch) Name() string { return "gsettings" }

func (g *gnomeSwitch) Enable(ctx context.Context, addr string) error {
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled {
		if err := g.snapshot(ctx); err != nil {
			return err
		}
	}

	values := map[gnomeSetting]string{
		gnomeSettings[0]: host,
		gnomeSettings[1]: strconv.Itoa(port),
		gnomeSettings[2]: host,
		gnomeSettings[3]: strconv.Itoa(port),
		gnomeSettings[4]: gvariantList(g.bypass),
	}
	for _, s := range gnomeSettings {
		if _, err := g.run(ctx, "gsettings", "set", s.schema, s.key, values[s]); err != nil {
			return err
		}
	}
	if _, err := g.run(ctx, "gsettings", "set", "org.gnome.system.proxy", "mode", "manual"); err != nil {
		return err
	}
	g.enabled = true
	return nil
}

// snapshot records the current values in their GVariant text form, which
// gsettings set accepts back verbatim.
func (g *gnomeSwitch) snapshot(ctx context.Context) error {
	out, err := g.run(ctx, "gsettings", "get", "org.gnome.system.proxy", "mode")
	if err != nil {
		return err
	}
	g.prevMode = strings.Trim(strings.TrimSpace(string(out)), "'")

	g.prev = make(map[gnomeSetting]string, len(gnomeSettings))
	for _, s := range gnomeSettings {
		out, err := g.run(ctx, "gsettings", "get", s.schema, s.key)
		if err != nil {
			return err
		}
		g.prev[s] = strings.TrimSpace(string(out))
	}
	return nil
}

func (g *gnomeSwitch) Disable(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return nil
	}
	for _, s := range gnomeSettings {
		value := g.prev[s]
		if value == "" {
			continue
		}
		if _, err := g.run(ctx, "gsettings", "set", s.schema, s.key, value); err != nil && g.logger != nil {
			g.logger.Warn("gsettings restore failed", "schema", s.schema, "key", s.key, "error", err.Error())
		}
	}
	mode := g.prevMode
	if mode == "" {
		mode = "none"
	}
	if _, err := g.run(ctx, "gsettings", "set", "org.gnome.system.proxy", "mode", mode); err != nil {
		return err
	}
	g.enabled = false
	g.prev = nil
	return nil
}

func gvariantList(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, it := range items {
		if it == "<local>" {
			continue
		}
		quoted = append(quoted, fmt.Sprintf("'%s'", strings.ReplaceAll(it, "'", "")))
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
