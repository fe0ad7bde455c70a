package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/sessioncap/sessioncap/internal/worker"
	"github.com/spf13/cobra"
)

// workerCmd is launched by the orchestrator. Events go to stdout as JSON
// lines, commands arrive on stdin and logs go to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a capture worker (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

var workerFlags struct {
	Account string
	Session string
}

func init() {
	workerCmd.Flags().StringVar(&workerFlags.Account, "account", "", "Fallback account key")
	workerCmd.Flags().StringVar(&workerFlags.Session, "session", "", "Session id for log correlation")

	RootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	sink := worker.NewJSONSink(cmd.OutOrStdout())

	cfg, _, err := loadConfig()
	if err != nil {
		_ = worker.NewEmitter(sink).Fail(err.Error(), "")
		return &exitError{code: 1, err: err}
	}
	logger := newLogger(cfg, cmd.ErrOrStderr(), "sessioncap-worker")

	st, err := openStore(cfg)
	if err != nil {
		_ = worker.NewEmitter(sink).Fail(err.Error(), "")
		return &exitError{code: 1, err: err}
	}
	defer st.Close()

	base := logging.WithSession(context.Background(), workerFlags.Session, workerFlags.Account)
	ctx, stop := signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmds := make(chan worker.Command, 1)
	go func() {
		defer close(cmds)
		_ = worker.ReadCommands(cmd.InOrStdin(), func(c worker.Command) {
			select {
			case cmds <- c:
			default:
			}
		})
	}()

	err = worker.Run(ctx, worker.Options{
		Capture:    cfg.Capture,
		AccountKey: workerFlags.Account,
		Store:      st,
		Logger:     logger,
		Commands:   cmds,
	}, sink)
	if err != nil && ctx.Err() == nil {
		return &exitError{code: 1, err: err}
	}
	return nil
}
