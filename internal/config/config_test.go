package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sessioncap/sessioncap/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8319, cfg.Server.HTTPPort)

	assert.Equal(t, 8888, cfg.Capture.Port)
	assert.Equal(t, "127.0.0.1:8888", cfg.Capture.Addr())
	assert.Equal(t, []string{"mp.weixin.qq.com"}, cfg.Capture.TargetHosts)
	assert.Equal(t, []string{"key", "pass_ticket"}, cfg.Capture.RequiredParams)
	assert.True(t, cfg.Capture.ScanResponses)

	assert.Equal(t, 120*time.Second, cfg.Session.DefaultTimeout)
	assert.Equal(t, 15*time.Second, cfg.Session.StartupTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.Session.SettleDelay)
	assert.Equal(t, 2*time.Second, cfg.Session.TerminateGrace)
	assert.Equal(t, 5, cfg.Session.ProbeAttempts)

	assert.Equal(t, "system", cfg.SystemProxy.Mode)
	assert.Equal(t, "manual", cfg.Trigger.Mode)
	assert.Equal(t, 4*time.Hour, cfg.Store.CredentialTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Store.HistoryRetention)
	assert.Equal(t, 20, cfg.Store.HistoryKeep)
	assert.Equal(t, time.Hour, cfg.Store.CleanupInterval)
	assert.Equal(t, []int{-3}, cfg.Validity.RejectRetCodes)
	assert.Equal(t, []string{"no session"}, cfg.Validity.RejectSubstrings)
}

func TestParse(t *testing.T) {
	data := []byte(`
version: "2"
capture:
  port: 9999
  target_hosts: [" MP.Weixin.QQ.com ", "example.com"]
  required_params: ["key", "pass_ticket", "uin"]
  scan_responses: false
session:
  default_timeout: 30s
  poll_interval: 100ms
system_proxy:
  mode: none
trigger:
  mode: command
  command: /usr/bin/open-article
  args: ["{url}"]
validity:
  reject_ret_codes: [-3, -6]
  reject_substrings: ["no session", "session expired"]
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "2", cfg.Version)
	assert.Equal(t, 9999, cfg.Capture.Port)
	assert.Equal(t, []string{"mp.weixin.qq.com", "example.com"}, cfg.Capture.TargetHosts)
	assert.Len(t, cfg.Capture.RequiredParams, 3)
	assert.False(t, cfg.Capture.ScanResponses)
	assert.Equal(t, 30*time.Second, cfg.Session.DefaultTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Session.PollInterval)
	assert.Equal(t, "none", cfg.SystemProxy.Mode)
	assert.Equal(t, "command", cfg.Trigger.Mode)
	assert.Equal(t, []string{"{url}"}, cfg.Trigger.Args)
	assert.Equal(t, []int{-3, -6}, cfg.Validity.RejectRetCodes)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("capture: [unclosed"))
	require.Error(t, err)
	var parseErr *errors.ErrConfigParse
	assert.ErrorAs(t, err, &parseErr)
}

func TestParse_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad proxy mode", "system_proxy:\n  mode: pac\n"},
		{"command without program", "trigger:\n  mode: command\n"},
		{"bad trigger mode", "trigger:\n  mode: robot\n"},
		{"bad capture port", "capture:\n  port: 70000\n"},
		{"poll longer than deadline", "session:\n  default_timeout: 1s\n  poll_interval: 2s\n"},
		{"negative ttl", "store:\n  credential_ttl: -1h\n"},
		{"negative retention", "store:\n  history_retention: -1h\n"},
		{"auth without keys", "api:\n  auth:\n    enabled: true\n"},
		{"telegram without token", "telegram:\n  enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			var validationErr *errors.ErrConfigValidation
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestValidityConfig_EmptyListsStayEmpty(t *testing.T) {
	cfg, err := Parse([]byte("validity:\n  reject_ret_codes: []\n  reject_substrings: []\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Validity.RejectRetCodes)
	assert.Empty(t, cfg.Validity.RejectSubstrings)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test_value")
	t.Setenv("ANOTHER_VAR", "another_value")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no substitution", "hello world", "hello world"},
		{"single substitution", "value is ${TEST_VAR}", "value is test_value"},
		{"multiple substitutions", "${TEST_VAR} and ${ANOTHER_VAR}", "test_value and another_value"},
		{"missing env var returns empty", "value is ${MISSING_VAR}", "value is "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := substituteEnvVars([]byte(tt.input))
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
version: "1.0"
telegram:
  enabled: true
  bot_token: "${TEST_BOT_TOKEN}"
  chat_id: 42
store:
  path: "${TEST_DATA_DIR}/creds.db"
`
	t.Setenv("TEST_BOT_TOKEN", "123:abc")
	t.Setenv("TEST_DATA_DIR", tmpDir)

	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	loader := NewLoader(configPath)
	config, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", config.Telegram.BotToken)
	assert.Equal(t, filepath.Join(tmpDir, "creds.db"), config.Store.Path)
	assert.Equal(t, config, loader.Get())
}

func TestLoad_FileNotFound(t *testing.T) {
	loader := NewLoader("/nonexistent/path/config.yaml")
	_, err := loader.Load()
	require.Error(t, err)
	var notFound *errors.ErrConfigNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestLoadOrDefault(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := loader.LoadOrDefault()
	require.NoError(t, err)
	assert.Equal(t, 8888, cfg.Capture.Port)
	assert.Equal(t, cfg, loader.Get())

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("capture: ["), 0644))
	_, err = NewLoader(bad).LoadOrDefault()
	assert.Error(t, err)
}

func TestLoader_OnChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("version: \"1\"\n"), 0644))

	loader := NewLoader(configPath)

	changeCalled := false
	loader.SetOnChange(func(c *Config) {
		changeCalled = true
	})

	_, err := loader.Load()
	require.NoError(t, err)
	assert.False(t, changeCalled)

	_, err = loader.Reload()
	require.NoError(t, err)
	assert.True(t, changeCalled)
}

func TestLoader_Watch(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("capture:\n  port: 8888\n"), 0644))

	loader := NewLoader(configPath)
	_, err := loader.Load()
	require.NoError(t, err)

	var port atomic.Int64
	loader.SetOnChange(func(c *Config) {
		port.Store(int64(c.Capture.Port))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.Watch(ctx))

	// Replace by rename with a strictly later mtime, the way editors save.
	tmp := configPath + ".tmp"
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(tmp, []byte("capture:\n  port: 9090\n"), 0644))
	require.NoError(t, os.Chtimes(tmp, future, future))
	require.NoError(t, os.Rename(tmp, configPath))

	assert.Eventually(t, func() bool {
		return port.Load() == 9090
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMustLoad_Panic(t *testing.T) {
	assert.Panics(t, func() {
		MustLoad("/nonexistent/config.yaml")
	})
}

func TestLoadFromEnv(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("capture:\n  port: 7777\n"), 0644))
	t.Setenv(EnvConfigPath, configPath)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Capture.Port)
}
