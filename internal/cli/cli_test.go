package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sessioncap/sessioncap/internal/config"
	stderrors "github.com/sessioncap/sessioncap/internal/errors"
	"github.com/sessioncap/sessioncap/internal/models"
	"github.com/sessioncap/sessioncap/internal/session"
	"github.com/sessioncap/sessioncap/internal/store"
	"github.com/sessioncap/sessioncap/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "MzA5MjA0ODI0MA=="

// runCLI executes the root command with fresh flag values. Every call passes
// --config and --db explicitly since cobra keeps parsed values between runs.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	InitCLI()
	globalFlags = GlobalFlags{}
	credentialsFlags.Reveal = false
	credentialsFlags.Limit = 20

	var out, errOut bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&errOut)
	RootCmd.SetIn(strings.NewReader(""))
	RootCmd.SetArgs(args)
	t.Cleanup(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
		RootCmd.SetIn(nil)
	})
	err := RootCmd.Execute()
	return out.String(), errOut.String(), err
}

// testPaths returns a missing config path and a fresh database path.
func testPaths(t *testing.T) (string, string) {
	dir := t.TempDir()
	return filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "data", "creds.db")
}

func seedStore(t *testing.T, dbPath string) *models.Credential {
	t.Helper()
	st, err := store.NewSQLiteStore(dbPath, store.WithTTL(time.Hour))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	_, err = st.UpsertAccount(ctx, testAccount, "Daily Digest")
	require.NoError(t, err)
	cred, err := st.SaveCredential(ctx, testAccount, models.CaptureFields{
		Cookie:     "wap_sid2=secret-sid; appmsg_token=tok123",
		Key:        "secret-key",
		PassTicket: "secret-ticket",
		UIN:        "MTIzNDU2",
	})
	require.NoError(t, err)
	return cred
}

func TestRootCommand(t *testing.T) {
	assert.NotNil(t, RootCmd)
	assert.Equal(t, "sessioncap", RootCmd.Use)
	assert.Contains(t, RootCmd.Long, "session credentials")
}

func TestInitCLI(t *testing.T) {
	InitCLI()
	InitCLI()

	names := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "capture", "credentials", "certs", "doctor", "worker", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.True(t, workerCmd.Hidden)
	assert.Equal(t, RootCmd, GetRootCommand())
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.OS)
	assert.NotEmpty(t, info.Arch)

	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "sessioncap Version: "+info.Version)
}

func TestExecuteWithErrorCode(t *testing.T) {
	assert.Equal(t, 0, ExecuteWithErrorCode([]string{"version"}))
	assert.Equal(t, 1, ExecuteWithErrorCode([]string{"no-such-command"}))
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := error(&exitError{code: 3, err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "boom", err.Error())
}

func TestLoadConfig_DBOverride(t *testing.T) {
	cfgPath, dbPath := testPaths(t)
	globalFlags = GlobalFlags{Config: cfgPath, DBPath: dbPath}
	defer func() { globalFlags = GlobalFlags{} }()

	cfg, loader, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, dbPath, cfg.Store.Path)
	assert.Equal(t, cfgPath, loader.Path())
}

func TestCredentialsList(t *testing.T) {
	cfgPath, dbPath := testPaths(t)
	seedStore(t, dbPath)

	out, _, err := runCLI(t, "credentials", "list", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ACCOUNT")
	assert.Contains(t, out, testAccount)
	assert.Contains(t, out, "Daily Digest")

	out, _, err = runCLI(t, "credentials", "list", "--json", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	var rows []AccountRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Usable)
	assert.NotZero(t, rows[0].CredentialID)
}

func TestCredentialsGet_RedactsByDefault(t *testing.T) {
	cfgPath, dbPath := testPaths(t)
	seedStore(t, dbPath)

	out, _, err := runCLI(t, "credentials", "get", testAccount, "--json", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	assert.NotContains(t, out, "secret-key")
	assert.NotContains(t, out, "secret-sid")

	var view struct {
		AccountKey string                `json:"account_key"`
		Fields     models.CaptureSummary `json:"fields"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, testAccount, view.AccountKey)
	assert.True(t, view.Fields.HasKey)
	assert.True(t, view.Fields.HasPassTicket)

	out, _, err = runCLI(t, "credentials", "get", testAccount, "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "key=true pass_ticket=true")
	assert.NotContains(t, out, "secret-ticket")
}

func TestCredentialsGet_Reveal(t *testing.T) {
	cfgPath, dbPath := testPaths(t)
	seedStore(t, dbPath)

	out, errOut, err := runCLI(t, "credentials", "get", testAccount, "--reveal", "--json", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)

	var cred models.Credential
	require.NoError(t, json.Unmarshal([]byte(out), &cred))
	assert.Equal(t, "secret-key", cred.Key)
	assert.Equal(t, "tok123", cred.AppMsgToken)

	assert.Contains(t, errOut, "CREDENTIAL_REVEALED")
	assert.NotContains(t, errOut, "secret-key")
}

func TestCredentialsGet_NoCredential(t *testing.T) {
	cfgPath, dbPath := testPaths(t)

	_, _, err := runCLI(t, "credentials", "get", testAccount, "--config", cfgPath, "--db", dbPath)
	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.code)

	_, _, err = runCLI(t, "credentials", "get", "unknown", "--config", cfgPath, "--db", dbPath)
	assert.Error(t, err)
}

func TestCredentialsInvalidateAndHistory(t *testing.T) {
	cfgPath, dbPath := testPaths(t)
	cred := seedStore(t, dbPath)

	out, _, err := runCLI(t, "credentials", "invalidate", testAccount, "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Invalidated 1 credential(s)")

	out, _, err = runCLI(t, "credentials", "history", testAccount, "--json", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	assert.NotContains(t, out, "secret-key")
	var history []struct {
		ID      int64 `json:"id"`
		IsValid bool  `json:"is_valid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 1)
	assert.Equal(t, cred.ID, history[0].ID)
	assert.False(t, history[0].IsValid)
}

func TestCertsInit(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.crt")
	keyFile := filepath.Join(dir, "ca.key")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("capture:\n  cert_file: "+certFile+"\n  key_file: "+keyFile+"\n"), 0644))
	dbPath := filepath.Join(dir, "creds.db")

	out, _, err := runCLI(t, "certs", "init", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, certFile)
	assert.FileExists(t, certFile)
	assert.FileExists(t, keyFile)

	_, _, err = runCLI(t, "certs", "init", "--config", cfgPath, "--db", dbPath)
	assert.Error(t, err, "existing CA must not be overwritten without --force")

	_, _, err = runCLI(t, "certs", "init", "--force", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	certsFlags.Force = false
}

func TestWorkerCommand_MissingCAEmitsError(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := "capture:\n  port: 0\n  cert_file: " + filepath.Join(dir, "none.crt") + "\n  key_file: " + filepath.Join(dir, "none.key") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0644))

	out, _, err := runCLI(t, "worker", "--account", testAccount, "--session", "s-1", "--config", cfgPath, "--db", filepath.Join(dir, "creds.db"))
	var exit *exitError
	require.ErrorAs(t, err, &exit)

	var events []worker.Event
	require.NoError(t, worker.ReadEvents(strings.NewReader(out), func(e worker.Event) {
		events = append(events, e)
	}, nil))
	require.NotEmpty(t, events)
	assert.Equal(t, worker.StatusStarting, events[0].Status)
	last := events[len(events)-1]
	assert.Equal(t, worker.EventError, last.Type)
	assert.Contains(t, last.Error, "none.crt")
}

func TestPrintResult(t *testing.T) {
	res := &session.Result{
		Success:      true,
		Reason:       "credential captured",
		AccountKey:   testAccount,
		SessionID:    "sess-1",
		State:        session.StateSuccess,
		CredentialID: 7,
		Duration:     1500 * time.Millisecond,
		History:      []session.State{session.StateIdle, session.StateProxyEnabled, session.StateSuccess},
	}

	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, res, nil))
	assert.Contains(t, buf.String(), "Capture:    OK")
	assert.Contains(t, buf.String(), "idle -> proxy_enabled -> success")
	assert.Contains(t, buf.String(), "Credential: 7")

	globalFlags.JSON = true
	defer func() { globalFlags.JSON = false }()
	buf.Reset()
	failed := &session.Result{Reason: "timed out", State: session.StateTimedOut, Duration: time.Second}
	require.NoError(t, printResult(&buf, failed, &stderrors.TimeoutError{Stage: "capturing", After: time.Second}))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "timeout", decoded["error_kind"])
	assert.Equal(t, true, decoded["retryable"])
	assert.Equal(t, float64(1000), decoded["duration_ms"])
}

func TestCheckConfiguration(t *testing.T) {
	cfgPath, _ := testPaths(t)
	cfg, checks := checkConfiguration(config.NewLoader(cfgPath))
	require.NotNil(t, cfg)
	require.Len(t, checks, 1)
	assert.Equal(t, "WARN", checks[0].Status)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("system_proxy:\n  mode: pac\n"), 0644))
	cfg, checks = checkConfiguration(config.NewLoader(bad))
	assert.Nil(t, cfg)
	require.Len(t, checks, 1)
	assert.Equal(t, "FAIL", checks[0].Status)
}

func TestCheckCapture(t *testing.T) {
	cfgPath, dbPath := testPaths(t)
	cfg, _ := checkConfiguration(config.NewLoader(cfgPath))
	require.NotNil(t, cfg)
	cfg.Store.Path = dbPath
	cfg.Capture.CertFile = filepath.Join(t.TempDir(), "missing.crt")
	cfg.Capture.Port = 0

	checks := checkCapture(cfg)
	byName := map[string]DoctorCheck{}
	for _, c := range checks {
		byName[c.Name] = c
	}
	assert.Equal(t, "FAIL", byName["CA Certificate"].Status)
	assert.Equal(t, "OK", byName["Capture Port"].Status)
	assert.Equal(t, "OK", byName["Credential Store"].Status)
}

func TestGenerateRecommendations(t *testing.T) {
	healthy := generateRecommendations([]DoctorCheck{{Status: "OK"}})
	assert.Equal(t, []string{"System is healthy. No recommendations needed."}, healthy)

	recs := generateRecommendations([]DoctorCheck{
		{Category: "Capture", Name: "CA Certificate", Status: "FAIL", Remediation: "Run certs init"},
		{Status: "WARN"},
	})
	require.Len(t, recs, 2)
	assert.Equal(t, "[Capture] CA Certificate: Run certs init", recs[0])
	assert.Contains(t, recs[1], "1 critical issue(s) and 1 warning(s)")
}

func TestOutputDoctorReport(t *testing.T) {
	report := DoctorReport{
		Timestamp: time.Now(),
		Checks: []DoctorCheck{
			{Category: categorySystem, Name: "Go Version", Status: "OK", Message: "Go 1.24"},
			{Category: categoryTools, Name: "Trigger", Status: "FAIL", Message: "open-article not found in PATH"},
		},
		Recommendations: []string{"fix it"},
	}
	var buf bytes.Buffer
	require.NoError(t, outputDoctorReport(&buf, report))
	assert.Contains(t, buf.String(), "✓ Go Version:")
	assert.Contains(t, buf.String(), "✗ Trigger:")
	assert.Contains(t, buf.String(), "• fix it")
	assert.True(t, report.failed())
}
