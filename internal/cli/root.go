package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/spf13/cobra"
)

// EnvDBPath overrides the store path from config.
const EnvDBPath = "SESSIONCAP_DB_PATH"

// Version is set at build time with -ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	DBPath  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "sessioncap",
	Short: "sessioncap - session credential capture for the WeChat article client",
	Long: `sessioncap captures short-lived session credentials from a desktop
WeChat client by intercepting its HTTPS traffic through a local proxy, and
keeps the newest usable credential per official account.

Usage:
  sessioncap [command] [flags]

Available Commands:
  serve        Start the control API (main mode)
  capture      Run one capture session from the command line
  credentials  Inspect and invalidate stored credentials
  certs        Create and trust the local interception CA
  doctor       Diagnose system and configuration issues

Flags:
  --config string   Path to configuration file (default "config.yaml")
  --db string       Path to SQLite database (overrides store.path)
  --verbose         Enable verbose output
  --json            Output in JSON format

Use "sessioncap [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = "config.yaml"
	}

	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", configPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", os.Getenv(EnvDBPath), "Path to SQLite database")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of sessioncap",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

func printVersion(w io.Writer) {
	info := GetVersionInfo()
	fmt.Fprintln(w, "sessioncap Version:", info.Version)
	fmt.Fprintln(w, "Go Version:", info.GoVersion)
	fmt.Fprintln(w, "OS/Arch:", info.OS+"/"+info.Arch)
	fmt.Fprintln(w, "Build Date:", info.BuildDate)
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}

// loadConfig reads --config, falling back to defaults when the file is
// missing, and applies --db.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.LoadOrDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if globalFlags.DBPath != "" {
		cfg.Store.Path = globalFlags.DBPath
	}
	return cfg, loader, nil
}

// newLogger builds the process logger. Verbose forces debug.
func newLogger(cfg *config.Config, w io.Writer, service string) *logging.Logger {
	level := logging.ParseLevel(cfg.Server.LogLevel)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(
		logging.WithOutput(w),
		logging.WithLevel(level),
		logging.WithService(service),
	)
}
