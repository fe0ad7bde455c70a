package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/sessioncap/sessioncap/internal/capture"
	"github.com/spf13/cobra"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage the local interception CA",
}

var certsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the interception CA",
	Long: `Create the CA certificate and key the capture worker signs leaf
certificates with, at capture.cert_file and capture.key_file.

The client only accepts intercepted connections once the CA is trusted by the
operating system. Pass --install to add it to the OS trust store, which
usually needs administrator rights.

Example:
  sessioncap certs init --install`,
	Args: cobra.NoArgs,
	RunE: runCertsInit,
}

var certsFlags struct {
	Force   bool
	Install bool
}

func init() {
	certsInitCmd.Flags().BoolVar(&certsFlags.Force, "force", false, "Overwrite existing CA files")
	certsInitCmd.Flags().BoolVar(&certsFlags.Install, "install", false, "Add the CA to the OS trust store")

	certsCmd.AddCommand(certsInitCmd)
	RootCmd.AddCommand(certsCmd)
}

func runCertsInit(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cc := cfg.Capture
	out := cmd.OutOrStdout()

	if _, err := capture.GenerateAuthority(cc.CertFile, cc.KeyFile, certsFlags.Force); err != nil {
		return fmt.Errorf("create CA: %w", err)
	}
	fmt.Fprintf(out, "CA certificate written to %s\n", cc.CertFile)
	fmt.Fprintf(out, "CA key written to %s (keep it private)\n", cc.KeyFile)

	if !certsFlags.Install {
		fmt.Fprintln(out, "Run again with --install, or trust the certificate manually.")
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()
	if err := capture.InstallTrust(ctx, cc.CertFile); err != nil {
		return fmt.Errorf("install CA: %w", err)
	}
	fmt.Fprintln(out, "CA installed in the OS trust store.")
	return nil
}
