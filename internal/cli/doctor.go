package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/sessioncap/sessioncap/internal/capture"
	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/sessioncap/sessioncap/internal/sysproxy"
	"github.com/spf13/cobra"
)

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose system and configuration issues",
	Long: `Perform a system diagnostic for sessioncap.

This command checks:
- System information (OS, Go version, etc.)
- Configuration file and validation
- Interception CA files, capture port and store
- System proxy and trigger tools
- Recommendations for fixes

Example:
  sessioncap doctor`,
	RunE: runDoctor,
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}

const (
	categorySystem  = "System"
	categoryConfig  = "Configuration"
	categoryCapture = "Capture"
	categoryTools   = "Tools"
)

func runDoctor(cmd *cobra.Command, args []string) error {
	report := DoctorReport{
		Timestamp: time.Now().UTC(),
		Checks:    []DoctorCheck{},
	}

	report.Checks = append(report.Checks, collectSystemInfo()...)

	cfg, cfgChecks := checkConfiguration(config.NewLoader(globalFlags.Config))
	report.Checks = append(report.Checks, cfgChecks...)
	if cfg != nil {
		if globalFlags.DBPath != "" {
			cfg.Store.Path = globalFlags.DBPath
		}
		report.Checks = append(report.Checks, checkCapture(cfg)...)
		report.Checks = append(report.Checks, checkTools(cfg)...)
	}

	report.Recommendations = generateRecommendations(report.Checks)

	if err := outputDoctorReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.failed() {
		return &exitError{code: 1, err: fmt.Errorf("doctor found failing checks")}
	}
	return nil
}

// DoctorReport represents the complete diagnostic report
type DoctorReport struct {
	Timestamp       time.Time     `json:"timestamp"`
	Checks          []DoctorCheck `json:"checks"`
	Recommendations []string      `json:"recommendations"`
}

func (r DoctorReport) failed() bool {
	for _, c := range r.Checks {
		if c.Status == "FAIL" {
			return true
		}
	}
	return false
}

// DoctorCheck represents a single diagnostic check
type DoctorCheck struct {
	Category    string `json:"category"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Severity    string `json:"severity,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

func ok(category, name, message string) DoctorCheck {
	return DoctorCheck{Category: category, Name: name, Status: "OK", Message: message}
}

func collectSystemInfo() []DoctorCheck {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "unknown"
	}

	return []DoctorCheck{
		ok(categorySystem, "Operating System", fmt.Sprintf("OS: %s (%s)", runtime.GOOS, runtime.GOARCH)),
		ok(categorySystem, "Go Version", fmt.Sprintf("Go: %s (CPUs: %d)", runtime.Version(), runtime.NumCPU())),
		ok(categorySystem, "User", fmt.Sprintf("User: %s", username)),
		ok(categorySystem, "Working Directory", fmt.Sprintf("Directory: %s", wd)),
	}
}

func checkConfiguration(loader *config.Loader) (*config.Config, []DoctorCheck) {
	if _, err := os.Stat(loader.Path()); os.IsNotExist(err) {
		cfg, err := loader.LoadOrDefault()
		if err != nil {
			return nil, []DoctorCheck{configFailure(err)}
		}
		return cfg, []DoctorCheck{{
			Category:    categoryConfig,
			Name:        "Config File",
			Status:      "WARN",
			Message:     fmt.Sprintf("%s not found, using built-in defaults", loader.Path()),
			Severity:    "low",
			Remediation: "Create config.yaml or pass --config",
		}}
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, []DoctorCheck{configFailure(err)}
	}
	checks := []DoctorCheck{ok(categoryConfig, "Config File", fmt.Sprintf("Config file loaded: %s", loader.Path()))}

	if cfg.API.Enabled && !cfg.API.Auth.Enabled {
		checks = append(checks, DoctorCheck{
			Category:    categoryConfig,
			Name:        "API Auth",
			Status:      "WARN",
			Message:     "API authentication disabled, credential reveal is unavailable",
			Severity:    "medium",
			Remediation: "Set api.auth.enabled and api.auth.api_keys",
		})
	}
	if cfg.Store.HistoryRetention == 0 {
		checks = append(checks, DoctorCheck{
			Category: categoryConfig,
			Name:     "History Retention",
			Status:   "WARN",
			Message:  "history_retention is zero, invalid credentials are kept forever",
			Severity: "low",
		})
	}
	return cfg, checks
}

func configFailure(err error) DoctorCheck {
	return DoctorCheck{
		Category:    categoryConfig,
		Name:        "Config Load",
		Status:      "FAIL",
		Message:     fmt.Sprintf("Failed to load config: %v", err),
		Severity:    "high",
		Remediation: "Check config.yaml syntax and values",
	}
}

func checkCapture(cfg *config.Config) []DoctorCheck {
	var checks []DoctorCheck

	if err := capture.CheckCertFiles(cfg.Capture.CertFile, cfg.Capture.KeyFile); err != nil {
		checks = append(checks, DoctorCheck{
			Category:    categoryCapture,
			Name:        "CA Certificate",
			Status:      "FAIL",
			Message:     err.Error(),
			Severity:    "high",
			Remediation: "Run 'sessioncap certs init --install'",
		})
	} else if _, err := capture.LoadAuthority(cfg.Capture.CertFile, cfg.Capture.KeyFile); err != nil {
		checks = append(checks, DoctorCheck{
			Category:    categoryCapture,
			Name:        "CA Certificate",
			Status:      "FAIL",
			Message:     fmt.Sprintf("CA files unusable: %v", err),
			Severity:    "high",
			Remediation: "Run 'sessioncap certs init --force --install'",
		})
	} else {
		checks = append(checks, ok(categoryCapture, "CA Certificate", fmt.Sprintf("CA loaded from %s", cfg.Capture.CertFile)))
	}

	checks = append(checks, checkPortFree(cfg.Capture.Addr()))

	st, err := openStore(cfg)
	if err != nil {
		checks = append(checks, DoctorCheck{
			Category:    categoryCapture,
			Name:        "Credential Store",
			Status:      "FAIL",
			Message:     err.Error(),
			Severity:    "high",
			Remediation: "Check store.path and directory permissions",
		})
		return checks
	}
	defer st.Close()
	stats, err := st.Stats(context.Background())
	if err != nil {
		checks = append(checks, DoctorCheck{
			Category: categoryCapture,
			Name:     "Credential Store",
			Status:   "FAIL",
			Message:  fmt.Sprintf("stats query failed: %v", err),
			Severity: "high",
		})
		return checks
	}
	return append(checks, ok(categoryCapture, "Credential Store", fmt.Sprintf("%s: %d accounts, %d usable credentials",
		cfg.Store.Path, stats.AccountCount, stats.ValidCredentialCount)))
}

func checkPortFree(addr string) DoctorCheck {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return DoctorCheck{
			Category:    categoryCapture,
			Name:        "Capture Port",
			Status:      "WARN",
			Message:     fmt.Sprintf("%s is in use: %v", addr, err),
			Severity:    "medium",
			Remediation: "Stop the other listener or change capture.port",
		}
	}
	ln.Close()
	return ok(categoryCapture, "Capture Port", fmt.Sprintf("%s is free", addr))
}

// proxyTools maps sysproxy switch names to the binaries they run.
var proxyTools = map[string]string{
	"gsettings":    "gsettings",
	"networksetup": "networksetup",
}

func checkTools(cfg *config.Config) []DoctorCheck {
	var checks []DoctorCheck

	sw := sysproxy.New(cfg.SystemProxy, logging.NewLogger(logging.WithOutput(io.Discard)))
	if bin, needed := proxyTools[sw.Name()]; needed {
		checks = append(checks, checkBinary("System Proxy", bin, "high",
			"Install "+bin+" or set system_proxy.mode to none and configure the proxy by hand"))
	} else {
		checks = append(checks, ok(categoryTools, "System Proxy", fmt.Sprintf("mode %s via %s", cfg.SystemProxy.Mode, sw.Name())))
	}

	if cfg.Trigger.Mode == "command" {
		checks = append(checks, checkBinary("Trigger", cfg.Trigger.Command, "high", "Fix trigger.command"))
	} else {
		checks = append(checks, ok(categoryTools, "Trigger", "manual: open an article in the client after starting a capture"))
	}
	return checks
}

func checkBinary(name, bin, severity, remediation string) DoctorCheck {
	path, err := exec.LookPath(bin)
	if err != nil {
		return DoctorCheck{
			Category:    categoryTools,
			Name:        name,
			Status:      "FAIL",
			Message:     fmt.Sprintf("%s not found in PATH", bin),
			Severity:    severity,
			Remediation: remediation,
		}
	}
	return ok(categoryTools, name, fmt.Sprintf("%s found at %s", bin, path))
}

func generateRecommendations(checks []DoctorCheck) []string {
	recommendations := []string{}

	failCount := 0
	warnCount := 0

	for _, check := range checks {
		switch check.Status {
		case "FAIL":
			failCount++
			if check.Remediation != "" {
				recommendations = append(recommendations, fmt.Sprintf("[%s] %s: %s", check.Category, check.Name, check.Remediation))
			}
		case "WARN":
			warnCount++
		}
	}

	if failCount == 0 && warnCount == 0 {
		recommendations = append(recommendations, "System is healthy. No recommendations needed.")
	} else if failCount > 0 {
		recommendations = append(recommendations, fmt.Sprintf("Found %d critical issue(s) and %d warning(s). Please address the critical issues first.", failCount, warnCount))
	}

	return recommendations
}

func outputDoctorReport(w io.Writer, report DoctorReport) error {
	if globalFlags.JSON {
		return writeJSON(w, report)
	}
	return outputDoctorReportTable(w, report)
}

func outputDoctorReportTable(out io.Writer, report DoctorReport) error {
	fmt.Fprintln(out, "=== sessioncap Doctor Report ===")
	fmt.Fprintf(out, "Generated: %s\n", report.Timestamp.Format(time.RFC3339))

	for _, category := range []string{categorySystem, categoryConfig, categoryCapture, categoryTools} {
		fmt.Fprintf(out, "\n--- %s ---\n", category)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, check := range report.Checks {
			if check.Category != category {
				continue
			}
			statusIcon := "✓"
			if check.Status == "FAIL" {
				statusIcon = "✗"
			} else if check.Status == "WARN" {
				statusIcon = "!"
			}
			fmt.Fprintf(w, "%s %s:\t%s\n", statusIcon, check.Name, check.Message)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Recommendations ---")
	for _, rec := range report.Recommendations {
		fmt.Fprintf(out, "• %s\n", rec)
	}
	return nil
}
