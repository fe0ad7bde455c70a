package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/sessioncap/sessioncap/internal/capture"
	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/sessioncap/sessioncap/internal/models"
	"github.com/sessioncap/sessioncap/internal/store"
	"github.com/sessioncap/sessioncap/internal/upstream"
)

// DefaultLinger is how long the engine keeps serving after a capture.
const DefaultLinger = 2 * time.Second

// Options configures one worker lifetime.
type Options struct {
	Capture config.CaptureConfig

	// AccountKey is used when the captured request carries no account id.
	AccountKey string

	Store  store.CredentialStore
	Logger *logging.Logger

	// Transport overrides the upstream transport built from Capture.
	Transport http.RoundTripper

	// Commands delivers orchestrator commands. Closing it means shutdown.
	Commands <-chan Command

	// Linger overrides DefaultLinger.
	Linger time.Duration
}

// Run starts the capture engine, persists the first captured credential and
// returns. Every lifetime ends with exactly one terminal event on sink.
func Run(ctx context.Context, opts Options, sink Sink) (err error) {
	em := NewEmitter(sink)
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.WithOutput(io.Discard))
	}
	logger = logger.ForSession(ctx).With("component", "worker")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			logger.Error("worker panicked", "panic", fmt.Sprint(r))
			_ = em.Fail(err.Error(), string(debug.Stack()))
		}
	}()

	_ = em.Status(StatusStarting, "worker starting")

	cc := opts.Capture
	if err := capture.CheckCertFiles(cc.CertFile, cc.KeyFile); err != nil {
		_ = em.Fail(err.Error(), "")
		return err
	}
	_ = em.Status(StatusInitializing, "initializing capture engine")

	authority, err := capture.LoadAuthority(cc.CertFile, cc.KeyFile)
	if err != nil {
		_ = em.Fail(err.Error(), "")
		return err
	}
	if opts.Store == nil {
		err := fmt.Errorf("worker requires a credential store")
		_ = em.Fail(err.Error(), "")
		return err
	}

	detector := capture.NewDetector(cc.RequiredParams, func(fields models.CaptureFields) {
		persist(ctx, em, opts, fields, logger)
	})

	transport := opts.Transport
	if transport == nil {
		transport = upstream.NewTransport(upstream.Options{
			UseUTLS: cc.UpstreamUTLS,
			Timeout: cc.UpstreamTimeout,
		})
	}

	var observers []capture.ResponseObserver
	if cc.ScanResponses {
		observers = append(observers, capture.NewStatsObserver(cc.ContentPaths, logger, nil))
	}

	engine, err := capture.NewEngine(capture.Config{
		ListenAddr:      cc.Addr(),
		TargetHosts:     cc.TargetHosts,
		MaxScanBytes:    cc.MaxScanBytes,
		UpstreamTimeout: cc.UpstreamTimeout,
		Transport:       transport,
	}, authority, detector, logger, observers...)
	if err != nil {
		_ = em.Fail(err.Error(), "")
		return err
	}
	defer engine.Close()

	addr, err := engine.Listen()
	if err != nil {
		_ = em.Fail(err.Error(), "")
		return err
	}
	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	_ = em.Listening(port)
	logger.Info("capture engine listening", "addr", addr.String())

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	served := make(chan error, 1)
	go func() { served <- engine.Serve(serveCtx) }()

	linger := opts.Linger
	if linger <= 0 {
		linger = DefaultLinger
	}
	shutdown := shutdownSignal(serveCtx, opts.Commands)
	_ = em.Status(StatusCapturing, "waiting for target traffic")

	select {
	case <-engine.Captured():
		// The terminal event was emitted by the capture callback. Keep
		// forwarding briefly so in-flight responses reach the client.
		select {
		case <-time.After(linger):
		case <-ctx.Done():
		case <-shutdown:
		}
		return nil
	case err := <-served:
		if err == nil {
			err = fmt.Errorf("capture engine stopped")
		}
		_ = em.Fail(err.Error(), "")
		return err
	case <-ctx.Done():
		_ = em.Interrupted("capture interrupted")
		return ctx.Err()
	case <-shutdown:
		_ = em.Interrupted("shutdown requested")
		return nil
	}
}

// persist runs on the engine goroutine that saw the capturing request.
func persist(ctx context.Context, em *Emitter, opts Options, fields models.CaptureFields, logger *logging.Logger) {
	key := fields.AccountKey
	if key == "" {
		key = opts.AccountKey
	}
	summary := fields.Summary()

	if models.ValidateAccountKey(key) != nil {
		_ = em.SaveFailed(models.UnknownAccountKey, fmt.Errorf("account key unresolved"))
		_ = em.Complete(models.UnknownAccountKey, summary)
		return
	}

	_ = em.Saving(key)
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	cred, err := opts.Store.SaveCredential(saveCtx, key, fields)
	if err != nil {
		logger.Error("credential save failed", "account_key", key, "error", err.Error())
		_ = em.SaveFailed(key, err)
	} else {
		logger.Info("credential saved", "account_key", key, "record_id", cred.ID,
			"cookie_length", summary.CookieLength)
		_ = em.Saved(key, cred.ID)
	}
	_ = em.Complete(key, summary)
}

// shutdownSignal closes the returned channel on a shutdown command or when
// cmds is closed.
func shutdownSignal(ctx context.Context, cmds <-chan Command) <-chan struct{} {
	done := make(chan struct{})
	if cmds == nil {
		return done
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-cmds:
				if !ok || c.Type == CommandShutdown {
					close(done)
					return
				}
			}
		}
	}()
	return done
}
