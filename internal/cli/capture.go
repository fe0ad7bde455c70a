package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sessioncap/sessioncap/internal/errors"
	"github.com/sessioncap/sessioncap/internal/session"
	"github.com/spf13/cobra"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run one capture session",
	Long: `Run one capture session without the control API.

The system proxy is pointed at the capture worker, the trigger is fired and
the command waits until a credential is stored or the deadline passes. The
exit code is 0 on success and 1 otherwise.

Example:
  sessioncap capture --account MzA5MjA0ODI0MA== --url https://mp.weixin.qq.com/s/abc`,
	RunE: runCapture,
}

var captureFlags struct {
	Account string
	URL     string
	Timeout time.Duration
}

func init() {
	captureCmd.Flags().StringVar(&captureFlags.Account, "account", "", "Expected account key")
	captureCmd.Flags().StringVar(&captureFlags.URL, "url", "", "Article URL passed to the trigger")
	captureCmd.Flags().DurationVar(&captureFlags.Timeout, "timeout", 0, "Session deadline (overrides session.default_timeout)")

	RootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr(), "sessioncap")

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := a.orch.Capture(ctx, session.Request{
		AccountKey: strings.TrimSpace(captureFlags.Account),
		ArticleURL: captureFlags.URL,
		Timeout:    captureFlags.Timeout,
	})
	if res != nil {
		if perr := printResult(cmd.OutOrStdout(), res, err); perr != nil {
			return perr
		}
	}
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	if res == nil || !res.Success {
		return &exitError{code: 1, err: fmt.Errorf("capture failed")}
	}
	return nil
}

type captureOutput struct {
	*session.Result
	DurationMS int64  `json:"duration_ms"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func printResult(w io.Writer, res *session.Result, err error) error {
	if globalFlags.JSON {
		out := captureOutput{Result: res, DurationMS: res.Duration.Milliseconds()}
		if err != nil {
			out.ErrorKind = errors.Kind(err)
			out.Retryable = errors.IsRetryable(err)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	status := "FAILED"
	if res.Success {
		status = "OK"
	}
	fmt.Fprintf(w, "Capture:    %s\n", status)
	fmt.Fprintf(w, "Reason:     %s\n", res.Reason)
	if res.AccountKey != "" {
		fmt.Fprintf(w, "Account:    %s\n", res.AccountKey)
	}
	if res.SessionID != "" {
		fmt.Fprintf(w, "Session:    %s\n", res.SessionID)
	}
	if res.CredentialID != 0 {
		fmt.Fprintf(w, "Credential: %d\n", res.CredentialID)
	}
	fmt.Fprintf(w, "State:      %s\n", res.State)
	fmt.Fprintf(w, "Duration:   %s\n", res.Duration.Truncate(time.Millisecond))
	if len(res.History) > 0 {
		states := make([]string, len(res.History))
		for i, s := range res.History {
			states[i] = string(s)
		}
		fmt.Fprintf(w, "History:    %s\n", strings.Join(states, " -> "))
	}
	if err != nil && errors.IsRetryable(err) {
		fmt.Fprintln(w, "Retry:      yes")
	}
	return nil
}
