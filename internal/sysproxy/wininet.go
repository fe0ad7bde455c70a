package sysproxy

import "fmt"

// settingsKey is the part of a registry key the Windows switch uses.
// registry.Key satisfies it.
type settingsKey interface {
	GetIntegerValue(name string) (uint64, uint32, error)
	GetStringValue(name string) (string, uint32, error)
	SetStringValue(name, value string) error
	SetDWordValue(name string, value uint32) error
	DeleteValue(name string) error
}

// proxySnapshot records the Internet Settings values Enable overwrites. A
// value that did not exist is deleted again on restore.
type proxySnapshot struct {
	enable      uint64
	server      string
	override    string
	hasServer   bool
	hasOverride bool
}

func snapshotProxy(key settingsKey) *proxySnapshot {
	snap := &proxySnapshot{}
	snap.enable, _, _ = key.GetIntegerValue("ProxyEnable")
	var err error
	snap.server, _, err = key.GetStringValue("ProxyServer")
	snap.hasServer = err == nil
	snap.override, _, err = key.GetStringValue("ProxyOverride")
	snap.hasOverride = err == nil
	return snap
}

func applyProxy(key settingsKey, server, override string) error {
	if err := key.SetStringValue("ProxyServer", server); err != nil {
		return fmt.Errorf("set ProxyServer: %w", err)
	}
	if err := key.SetStringValue("ProxyOverride", override); err != nil {
		return fmt.Errorf("set ProxyOverride: %w", err)
	}
	if err := key.SetDWordValue("ProxyEnable", 1); err != nil {
		return fmt.Errorf("set ProxyEnable: %w", err)
	}
	return nil
}

func restoreProxy(key settingsKey, snap *proxySnapshot) error {
	if err := key.SetDWordValue("ProxyEnable", uint32(snap.enable)); err != nil {
		return fmt.Errorf("restore ProxyEnable: %w", err)
	}
	restoreString(key, "ProxyServer", snap.server, snap.hasServer)
	restoreString(key, "ProxyOverride", snap.override, snap.hasOverride)
	return nil
}

func restoreString(key settingsKey, name, value string, existed bool) {
	if existed {
		_ = key.SetStringValue(name, value)
		return
	}
	_ = key.DeleteValue(name)
}
