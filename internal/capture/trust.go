package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

const linuxTrustPath = "/usr/local/share/ca-certificates/sessioncap.crt"

// InstallTrust adds the CA certificate at certFile to the OS trust store.
// It shells out to the platform tool and usually needs elevated rights.
func InstallTrust(ctx context.Context, certFile string) error {
	abs, err := filepath.Abs(certFile)
	if err != nil {
		return err
	}
	switch runtime.GOOS {
	case "windows":
		return run(ctx, "certutil", "-addstore", "-user", "Root", abs)
	case "darwin":
		return run(ctx, "security", "add-trusted-cert", "-d", "-r", "trustRoot",
			"-k", "/Library/Keychains/System.keychain", abs)
	case "linux":
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		cmd := exec.CommandContext(ctx, "sudo", "tee", linuxTrustPath)
		cmd.Stdin = bytes.NewReader(data)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("copy certificate: %w: %s", err, out)
		}
		return run(ctx, "sudo", "update-ca-certificates")
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

func run(ctx context.Context, name string, args ...string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH, install the certificate manually", name)
	}
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, bytes.TrimSpace(out))
	}
	return nil
}
