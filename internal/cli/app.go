package cli

import (
	"fmt"
	"path/filepath"

	"github.com/sessioncap/sessioncap/internal/capture"
	"github.com/sessioncap/sessioncap/internal/cleanup"
	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/sessioncap/sessioncap/internal/metrics"
	"github.com/sessioncap/sessioncap/internal/notify"
	"github.com/sessioncap/sessioncap/internal/session"
	"github.com/sessioncap/sessioncap/internal/store"
	"github.com/sessioncap/sessioncap/internal/sysproxy"
	"github.com/sessioncap/sessioncap/internal/trigger"
	"github.com/sessioncap/sessioncap/internal/upstream"
	"github.com/sessioncap/sessioncap/internal/validity"
	"github.com/sessioncap/sessioncap/internal/worker"
)

// app holds the components shared by serve and capture.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    store.CredentialStore
	metrics  *metrics.Metrics
	orch     *session.Orchestrator
	reporter *validity.Reporter
	prober   *validity.Prober
	sweeper  *store.Sweeper
	cleanup  *cleanup.Manager
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(cfg.Store.Path, store.WithTTL(cfg.Store.CredentialTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return st, nil
}

func buildApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	m := metrics.NewMetrics("sessioncap")

	launcher, err := newLauncher(cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	notifier, err := notify.New(cfg.Telegram, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	orch := session.New(
		cfg.Session,
		cfg.Capture.Addr(),
		launcher,
		sysproxy.New(cfg.SystemProxy, logger),
		trigger.New(cfg.Trigger, logger),
		st,
		logger,
		session.WithMetrics(m),
		session.WithNotifier(notifier),
		session.WithPrecondition(func() error {
			return capture.CheckCertFiles(cfg.Capture.CertFile, cfg.Capture.KeyFile)
		}),
	)

	policy := validity.NewPolicy(cfg.Validity)
	client := upstream.NewClient(upstream.Options{
		UseUTLS: cfg.Capture.UpstreamUTLS,
		Timeout: cfg.Validity.ProbeTimeout,
	})

	sweeper := store.NewSweeper(st, cfg.Store.SweepInterval, logger, func(n int64) {
		m.RecordInvalidated("expired", n)
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		metrics:  m,
		orch:     orch,
		reporter: validity.NewReporter(policy, st, logger, m),
		prober:   validity.NewProber(client, policy, cfg.Validity.ProbeURL, cfg.Validity.ProbeTimeout),
		sweeper:  sweeper,
		cleanup:  cleanup.NewManager(cleanup.ConfigFromStore(cfg.Store), st.DB(), m, logger),
	}, nil
}

// newLauncher re-executes this binary as a worker unless session.in_process
// is set.
func newLauncher(cfg *config.Config, st store.CredentialStore, logger *logging.Logger) (worker.Launcher, error) {
	if cfg.Session.InProcess {
		return &worker.InProcessLauncher{Options: worker.Options{
			Capture: cfg.Capture,
			Store:   st,
			Logger:  logger,
		}}, nil
	}

	args := []string{"worker"}
	if path, err := filepath.Abs(globalFlags.Config); err == nil {
		args = append(args, "--config", path)
	}
	if path, err := filepath.Abs(cfg.Store.Path); err == nil {
		args = append(args, "--db", path)
	}
	if globalFlags.Verbose {
		args = append(args, "--verbose")
	}
	l, err := worker.NewProcessLauncher(args, logger.With("component", "launcher"))
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (a *app) Close() error {
	a.sweeper.Stop()
	_ = a.cleanup.Stop()
	return a.store.Close()
}
