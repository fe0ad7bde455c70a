package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version     string            `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Capture     CaptureConfig     `yaml:"capture"`
	Session     SessionConfig     `yaml:"session"`
	SystemProxy SystemProxyConfig `yaml:"system_proxy"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Store       StoreConfig       `yaml:"store"`
	Validity    ValidityConfig    `yaml:"validity"`
	Telegram    TelegramConfig    `yaml:"telegram"`
}

// ServerConfig contains control API server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Enabled      bool            `yaml:"enabled"`
	BasePath     string          `yaml:"base_path"`
	Auth         AuthConfig      `yaml:"auth"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
}

// AuthConfig contains authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// CaptureConfig configures the intercepting proxy.
type CaptureConfig struct {
	ListenHost      string        `yaml:"listen_host"`
	Port            int           `yaml:"port"`
	TargetHosts     []string      `yaml:"target_hosts"`
	CertFile        string        `yaml:"cert_file"`
	KeyFile         string        `yaml:"key_file"`
	RequiredParams  []string      `yaml:"required_params"`
	ContentPaths    []string      `yaml:"content_paths"`
	ScanResponses   bool          `yaml:"scan_responses"`
	MaxScanBytes    int64         `yaml:"max_scan_bytes"`
	UpstreamUTLS    bool          `yaml:"upstream_utls"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
}

// Addr returns the host:port the engine binds.
func (c CaptureConfig) Addr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}

// SessionConfig holds orchestrator timings.
type SessionConfig struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	StartupTimeout    time.Duration `yaml:"startup_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	TerminateGrace    time.Duration `yaml:"terminate_grace"`
	CleanupBudget     time.Duration `yaml:"cleanup_budget"`
	ProbeAttempts     int           `yaml:"probe_attempts"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	InProcess         bool          `yaml:"in_process"`
}

// SystemProxyConfig controls OS-wide traffic redirection.
type SystemProxyConfig struct {
	Mode            string   `yaml:"mode"` // "system" or "none"
	Bypass          []string `yaml:"bypass"`
	NetworkServices []string `yaml:"network_services"` // macOS only
}

// TriggerConfig configures the external traffic generator.
type TriggerConfig struct {
	Mode    string        `yaml:"mode"` // "manual" or "command"
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig configures the credential store.
type StoreConfig struct {
	Path          string        `yaml:"path"`
	CredentialTTL time.Duration `yaml:"credential_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Invalid credentials older than HistoryRetention are deleted, keeping
	// the newest HistoryKeep rows per account. Zero retention disables it.
	HistoryRetention time.Duration `yaml:"history_retention"`
	HistoryKeep      int           `yaml:"history_keep"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	VacuumInterval   time.Duration `yaml:"vacuum_interval"`
}

// ValidityConfig defines when a downstream reply means the credential is dead.
type ValidityConfig struct {
	RejectRetCodes   []int         `yaml:"reject_ret_codes"`
	RejectSubstrings []string      `yaml:"reject_substrings"`
	ProbeURL         string        `yaml:"probe_url"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
}

// TelegramConfig contains Telegram notifier configuration.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = "1.0"
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if err := c.SystemProxy.Validate(); err != nil {
		return fmt.Errorf("system_proxy: %w", err)
	}

	if err := c.Trigger.Validate(); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := c.Validity.Validate(); err != nil {
		return fmt.Errorf("validity: %w", err)
	}

	if err := c.Telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.HTTPPort == 0 {
		s.HTTPPort = 8319
	}
	if s.HTTPPort < 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFormat == "" {
		s.LogFormat = "json"
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.BasePath == "" {
		a.BasePath = "/api/v1"
	}
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: api_keys is required when auth is enabled")
	}
	if a.Auth.HeaderName == "" {
		a.Auth.HeaderName = "X-API-Key"
	}
	if a.RateLimit.RequestsPerMinute <= 0 {
		a.RateLimit.RequestsPerMinute = 120
	}
	if a.RateLimit.RequestsPerMinute > 100000 {
		a.RateLimit.RequestsPerMinute = 100000
	}
	if a.RateLimit.Burst <= 0 {
		a.RateLimit.Burst = 20
	}
	if a.MaxBodyBytes <= 0 {
		a.MaxBodyBytes = 64 * 1024
	}
	return nil
}

// Validate validates capture engine configuration.
func (c *CaptureConfig) Validate() error {
	if c.ListenHost == "" {
		c.ListenHost = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8888
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if len(c.TargetHosts) == 0 {
		c.TargetHosts = []string{"mp.weixin.qq.com"}
	}
	for i, h := range c.TargetHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return fmt.Errorf("target_hosts[%d] is empty", i)
		}
		c.TargetHosts[i] = h
	}
	if c.CertFile == "" {
		c.CertFile = "certs/ca.crt"
	}
	if c.KeyFile == "" {
		c.KeyFile = "certs/ca.key"
	}
	if len(c.RequiredParams) == 0 {
		c.RequiredParams = []string{"key", "pass_ticket"}
	}
	if len(c.ContentPaths) == 0 {
		c.ContentPaths = []string{"/s"}
	}
	if c.MaxScanBytes <= 0 {
		c.MaxScanBytes = 4 << 20
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 30 * time.Second
	}
	return nil
}

// Validate validates session timing configuration.
func (s *SessionConfig) Validate() error {
	if s.DefaultTimeout <= 0 {
		s.DefaultTimeout = 120 * time.Second
	}
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = 15 * time.Second
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 500 * time.Millisecond
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 10 * time.Second
	}
	if s.SettleDelay < 0 {
		return fmt.Errorf("settle_delay cannot be negative")
	}
	if s.SettleDelay == 0 {
		s.SettleDelay = 2 * time.Second
	}
	if s.TerminateGrace <= 0 {
		s.TerminateGrace = 2 * time.Second
	}
	if s.CleanupBudget <= 0 {
		s.CleanupBudget = 10 * time.Second
	}
	if s.ProbeAttempts <= 0 {
		s.ProbeAttempts = 5
	}
	if s.ProbeInterval <= 0 {
		s.ProbeInterval = 2 * time.Second
	}
	if s.PollInterval >= s.DefaultTimeout {
		return fmt.Errorf("poll_interval must be shorter than default_timeout")
	}
	return nil
}

// Validate validates system proxy configuration.
func (p *SystemProxyConfig) Validate() error {
	if p.Mode == "" {
		p.Mode = "system"
	}
	if p.Mode != "system" && p.Mode != "none" {
		return fmt.Errorf("mode must be one of: system, none")
	}
	if len(p.Bypass) == 0 {
		p.Bypass = []string{"localhost", "127.0.0.1", "<local>"}
	}
	if len(p.NetworkServices) == 0 {
		p.NetworkServices = []string{"Wi-Fi", "Ethernet"}
	}
	return nil
}

// Validate validates trigger configuration.
func (t *TriggerConfig) Validate() error {
	if t.Mode == "" {
		t.Mode = "manual"
	}
	switch t.Mode {
	case "manual":
	case "command":
		if t.Command == "" {
			return fmt.Errorf("command is required when mode is command")
		}
	default:
		return fmt.Errorf("mode must be one of: manual, command")
	}
	if t.Timeout <= 0 {
		t.Timeout = 60 * time.Second
	}
	return nil
}

// Validate validates store configuration.
func (s *StoreConfig) Validate() error {
	if s.Path == "" {
		s.Path = "data/sessioncap.db"
	}
	if s.CredentialTTL < 0 {
		return fmt.Errorf("credential_ttl cannot be negative")
	}
	if s.CredentialTTL == 0 {
		s.CredentialTTL = 4 * time.Hour
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = 5 * time.Minute
	}
	if s.HistoryRetention < 0 {
		return fmt.Errorf("history_retention cannot be negative")
	}
	if s.HistoryKeep < 0 {
		return fmt.Errorf("history_keep cannot be negative")
	}
	if s.HistoryKeep == 0 {
		s.HistoryKeep = 20
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = time.Hour
	}
	return nil
}

// Validate validates rejection policy configuration.
func (v *ValidityConfig) Validate() error {
	if v.RejectRetCodes == nil {
		v.RejectRetCodes = []int{-3}
	}
	if v.RejectSubstrings == nil {
		v.RejectSubstrings = []string{"no session"}
	}
	if v.ProbeURL == "" {
		v.ProbeURL = "https://mp.weixin.qq.com/mp/profile_ext"
	}
	if v.ProbeTimeout <= 0 {
		v.ProbeTimeout = 15 * time.Second
	}
	return nil
}

// Validate validates Telegram configuration.
func (t *TelegramConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.BotToken == "" {
		return fmt.Errorf("bot_token is required when telegram is enabled")
	}
	if t.ChatID == 0 {
		return fmt.Errorf("chat_id is required when telegram is enabled")
	}
	return nil
}
