package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/sessioncap/sessioncap/internal/models"
	"github.com/sessioncap/sessioncap/internal/store"
	"github.com/spf13/cobra"
)

// credentialsCmd groups the store inspection commands.
var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds", "c"},
	Short:   "Inspect and invalidate stored credentials",
	Long: `Inspect and invalidate stored credentials.

Secrets are never printed unless --reveal is given.

Examples:
  # List accounts and whether they hold a usable credential
  sessioncap credentials list

  # Show the current credential for one account
  sessioncap credentials get MzA5MjA0ODI0MA==

  # Print the secret values as JSON
  sessioncap credentials get MzA5MjA0ODI0MA== --reveal --json

  # Mark every credential of an account invalid
  sessioncap credentials invalidate MzA5MjA0ODI0MA==`,
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts and their current credential",
	Args:  cobra.NoArgs,
	RunE:  runCredentialsList,
}

var credentialsGetCmd = &cobra.Command{
	Use:   "get <account_key>",
	Short: "Show the newest usable credential for an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsGet,
}

var credentialsHistoryCmd = &cobra.Command{
	Use:   "history <account_key>",
	Short: "Show stored credentials for an account, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsHistory,
}

var credentialsInvalidateCmd = &cobra.Command{
	Use:   "invalidate <account_key>",
	Short: "Mark every valid credential of an account invalid",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsInvalidate,
}

var credentialsFlags struct {
	Reveal bool
	Limit  int
}

func init() {
	credentialsGetCmd.Flags().BoolVar(&credentialsFlags.Reveal, "reveal", false, "Print secret values")
	credentialsHistoryCmd.Flags().IntVar(&credentialsFlags.Limit, "limit", 20, "Maximum number of credentials")

	credentialsCmd.AddCommand(credentialsListCmd, credentialsGetCmd, credentialsHistoryCmd, credentialsInvalidateCmd)
	RootCmd.AddCommand(credentialsCmd)
}

func withStore(fn func(ctx context.Context, st store.CredentialStore, logger *logging.Logger) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, RootCmd.ErrOrStderr(), "sessioncap")
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), st, logger)
}

// AccountRow is one line of credentials list.
type AccountRow struct {
	Key          string     `json:"key"`
	Name         string     `json:"name,omitempty"`
	CredentialID int64      `json:"credential_id,omitempty"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Usable       bool       `json:"usable"`
}

func runCredentialsList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st store.CredentialStore, _ *logging.Logger) error {
		accounts, err := st.ListAccounts(ctx)
		if err != nil {
			return err
		}
		rows := make([]AccountRow, 0, len(accounts))
		for _, acc := range accounts {
			row := AccountRow{Key: acc.Key, Name: acc.Name}
			cred, err := st.GetValidCredential(ctx, acc.Key)
			if err != nil {
				return err
			}
			if cred != nil {
				captured := cred.CapturedAt
				row.CredentialID = cred.ID
				row.CapturedAt = &captured
				row.ExpiresAt = cred.ExpiresAt
				row.Usable = true
			}
			rows = append(rows, row)
		}

		out := cmd.OutOrStdout()
		if globalFlags.JSON {
			return writeJSON(out, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(out, "No accounts stored.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tNAME\tCREDENTIAL\tCAPTURED\tEXPIRES")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Key, dash(r.Name), credentialRef(r), timeOrDash(r.CapturedAt), timeOrDash(r.ExpiresAt))
		}
		return w.Flush()
	})
}

func runCredentialsGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := models.ValidateAccountKey(key); err != nil {
		return err
	}
	return withStore(func(ctx context.Context, st store.CredentialStore, logger *logging.Logger) error {
		cred, err := st.GetValidCredential(ctx, key)
		if err != nil {
			return err
		}
		if cred == nil {
			return &exitError{code: 1, err: fmt.Errorf("no usable credential for %s", key)}
		}

		out := cmd.OutOrStdout()
		view := credentialOutput{Credential: cred, Fields: cred.Summary()}
		if !credentialsFlags.Reveal {
			view.Credential = cred.Redacted()
		} else {
			logger.Audit(logging.NewAuditEvent(logging.CredentialRevealed, "reveal", logging.StatusSuccess).
				WithAccount(key).
				WithSeverity(logging.SeverityWarning).
				WithDetails(map[string]interface{}{"credential_id": cred.ID, "surface": "cli"}))
		}
		if globalFlags.JSON {
			return writeJSON(out, view)
		}
		printCredential(out, view, credentialsFlags.Reveal)
		return nil
	})
}

func runCredentialsHistory(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := models.ValidateAccountKey(key); err != nil {
		return err
	}
	return withStore(func(ctx context.Context, st store.CredentialStore, _ *logging.Logger) error {
		creds, err := st.ListCredentials(ctx, key, credentialsFlags.Limit)
		if err != nil {
			return err
		}
		views := make([]credentialOutput, len(creds))
		for i, c := range creds {
			views[i] = credentialOutput{Credential: c.Redacted(), Fields: c.Summary()}
		}

		out := cmd.OutOrStdout()
		if globalFlags.JSON {
			return writeJSON(out, views)
		}
		if len(creds) == 0 {
			fmt.Fprintf(out, "No credentials stored for %s.\n", key)
			return nil
		}
		now := time.Now()
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCAPTURED\tEXPIRES\tVALID\tUSABLE")
		for _, c := range creds {
			fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%t\n", c.ID, c.CapturedAt.Local().Format(time.RFC3339),
				timeOrDash(c.ExpiresAt), c.IsValid, c.Usable(now))
		}
		return w.Flush()
	})
}

func runCredentialsInvalidate(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := models.ValidateAccountKey(key); err != nil {
		return err
	}
	return withStore(func(ctx context.Context, st store.CredentialStore, logger *logging.Logger) error {
		n, err := st.Invalidate(ctx, key)
		if err != nil {
			return err
		}
		logger.Audit(logging.NewAuditEvent(logging.CredentialInvalidated, "invalidate", logging.StatusSuccess).
			WithAccount(key).
			WithDetails(map[string]interface{}{"reason": "manual", "count": n, "surface": "cli"}))

		out := cmd.OutOrStdout()
		if globalFlags.JSON {
			return writeJSON(out, map[string]interface{}{"account_key": key, "invalidated": n})
		}
		fmt.Fprintf(out, "Invalidated %d credential(s) for %s.\n", n, key)
		return nil
	})
}

// credentialOutput carries the presence flags computed before redaction.
type credentialOutput struct {
	*models.Credential
	Fields models.CaptureSummary `json:"fields"`
}

func printCredential(w io.Writer, v credentialOutput, reveal bool) {
	c, sum := v.Credential, v.Fields
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%d\n", c.ID)
	fmt.Fprintf(tw, "Account:\t%s\n", c.AccountKey)
	fmt.Fprintf(tw, "Captured:\t%s\n", c.CapturedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Expires:\t%s\n", timeOrDash(c.ExpiresAt))
	fmt.Fprintf(tw, "Device:\t%s\n", dash(c.DeviceType))
	fmt.Fprintf(tw, "Client:\t%s\n", dash(c.ClientVersion))
	if reveal {
		fmt.Fprintf(tw, "Cookie:\t%s\n", c.Cookie)
		fmt.Fprintf(tw, "Key:\t%s\n", c.Key)
		fmt.Fprintf(tw, "Pass ticket:\t%s\n", c.PassTicket)
		fmt.Fprintf(tw, "UIN:\t%s\n", c.UIN)
		fmt.Fprintf(tw, "Appmsg token:\t%s\n", dash(c.AppMsgToken))
	} else {
		fmt.Fprintf(tw, "Fields:\tkey=%t pass_ticket=%t uin=%t cookie_length=%d\n",
			sum.HasKey, sum.HasPassTicket, sum.HasUIN, sum.CookieLength)
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func credentialRef(r AccountRow) string {
	if !r.Usable {
		return "none"
	}
	return fmt.Sprintf("#%d", r.CredentialID)
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
