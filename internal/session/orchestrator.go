package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/errors"
	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/sessioncap/sessioncap/internal/metrics"
	"github.com/sessioncap/sessioncap/internal/models"
	"github.com/sessioncap/sessioncap/internal/notify"
	"github.com/sessioncap/sessioncap/internal/store"
	"github.com/sessioncap/sessioncap/internal/sysproxy"
	"github.com/sessioncap/sessioncap/internal/trigger"
	"github.com/sessioncap/sessioncap/internal/worker"
)

// PortProbe reports whether something accepts connections on addr.
type PortProbe func(ctx context.Context, addr string) error

// Precondition checks local material a worker needs before anything global
// is touched. A failure should be an *errors.PreconditionError.
type Precondition func() error

// Orchestrator runs at most one capture session at a time.
type Orchestrator struct {
	cfg       config.SessionConfig
	proxyAddr string
	launcher  worker.Launcher
	proxy     sysproxy.Switch
	trigger   trigger.Trigger
	store     store.CredentialStore
	logger    *logging.Logger
	metrics   *metrics.Metrics
	notifier  notify.Notifier
	probe     PortProbe
	precheck  Precondition
	clock     func() time.Time

	active atomic.Pointer[Session]
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNotifier sends outcomes to n.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithPortProbe replaces the TCP dial used to confirm a silent worker.
func WithPortProbe(p PortProbe) Option {
	return func(o *Orchestrator) { o.probe = p }
}

// WithPrecondition runs check after the session slot is taken and before
// the system proxy is enabled.
func WithPrecondition(check Precondition) Option {
	return func(o *Orchestrator) { o.precheck = check }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New builds an orchestrator. proxyAddr is the engine address the OS proxy
// is pointed at.
func New(cfg config.SessionConfig, proxyAddr string, launcher worker.Launcher, proxy sysproxy.Switch,
	trig trigger.Trigger, st store.CredentialStore, logger *logging.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.NewLogger(logging.WithOutput(io.Discard))
	}
	if proxy == nil {
		proxy = sysproxy.Noop{}
	}
	if trig == nil {
		trig = &trigger.Manual{Logger: logger}
	}
	o := &Orchestrator{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		launcher:  launcher,
		proxy:     proxy,
		trigger:   trig,
		store:     st,
		logger:    logger.With("component", "session"),
		notifier:  notify.Nop{},
		probe:     dialProbe,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func dialProbe(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Active returns the session in progress, or nil.
func (o *Orchestrator) Active() *Session {
	return o.active.Load()
}

// run is the mutable state of one Capture call.
type run struct {
	o      *Orchestrator
	sess   *Session
	ctx    context.Context
	logger *logging.Logger

	handle       worker.Handle
	proxyTouched bool
	resolvedKey  string
	recordID     int64
	lastBeat     time.Time
}

// Capture runs one session to a verdict. A second call while a session is
// active fails immediately with *errors.ConflictError.
func (o *Orchestrator) Capture(ctx context.Context, req Request) (result *Result, err error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	sess := newSession(uuid.New().String(), strings.TrimSpace(req.AccountKey), o.clock(), timeout)

	if !o.active.CompareAndSwap(nil, sess) {
		conflict := &errors.ConflictError{AccountKey: sess.AccountKey}
		if cur := o.active.Load(); cur != nil {
			conflict.ActiveSession = cur.ID
		}
		return &Result{Success: false, Reason: conflict.Error(), AccountKey: sess.AccountKey, State: StateIdle}, conflict
	}

	r := &run{
		o:      o,
		sess:   sess,
		ctx:    logging.WithSession(ctx, sess.ID, sess.AccountKey),
	}
	r.logger = o.logger.ForSession(r.ctx)
	r.resolvedKey = sess.AccountKey
	o.setActiveGauge(true)
	o.logger.Audit(logging.NewAuditEvent(logging.CaptureStarted, "capture", logging.StatusSuccess).
		WithSession(sess.ID).WithAccount(sess.AccountKey))
	r.logger.InfoWithContext(r.ctx, "capture session started",
		"account_key", sess.AccountKey, "timeout", timeout.String())

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("capture session panic: %v", p)
			r.logger.ErrorWithContext(r.ctx, "capture session panicked", "panic", fmt.Sprint(p))
			result = r.verdict(StateFailed, err)
		}
		r.cleanup()
		o.finish(r, result)
	}()

	state, err := r.execute(req)
	return r.verdict(state, err), err
}

func (r *run) verdict(state State, err error) *Result {
	if state != StateSuccess && state != StateTimedOut {
		state = StateFailed
	}
	if state == StateSuccess && err != nil {
		state = StateFailed
	}
	r.transition(state)

	res := &Result{
		Success:      state == StateSuccess,
		AccountKey:   r.resolvedKey,
		SessionID:    r.sess.ID,
		State:        state,
		CredentialID: r.recordID,
		Duration:     r.o.clock().Sub(r.sess.StartedAt),
	}
	if err != nil {
		res.Reason = err.Error()
		res.CredentialID = 0
	} else {
		res.Reason = "credential captured"
	}
	return res
}

func (r *run) execute(req Request) (State, error) {
	if r.o.precheck != nil {
		if err := r.o.precheck(); err != nil {
			r.logger.ErrorWithContext(r.ctx, "capture precondition failed", "error", err.Error())
			return StateFailed, err
		}
	}

	if err := r.o.proxy.Enable(r.ctx, r.o.proxyAddr); err != nil {
		r.proxyTouched = true
		return StateFailed, &errors.RedirectionError{Switch: r.o.proxy.Name(), Addr: r.o.proxyAddr, Err: err}
	}
	r.proxyTouched = true
	r.transition(StateProxyEnabled)

	h, err := r.o.launcher.Start(r.ctx, worker.Spec{SessionID: r.sess.ID, AccountKey: r.sess.AccountKey})
	if err != nil {
		return StateFailed, &errors.WorkerError{Stage: "start", Message: err.Error()}
	}
	r.handle = h
	r.transition(StateWorkerStarting)
	r.logger.DebugWithContext(r.ctx, "worker started", "pid", h.PID())

	pending, err := r.awaitListening()
	if err != nil {
		return stateFor(err), err
	}
	r.transition(StateWorkerListening)

	tc := trigger.Context{
		SessionID:  r.sess.ID,
		AccountKey: r.sess.AccountKey,
		ArticleURL: req.ArticleURL,
		ProxyAddr:  r.o.proxyAddr,
	}
	fireCtx, cancel := context.WithDeadline(r.ctx, r.sess.Deadline)
	err = r.o.trigger.Fire(fireCtx, tc)
	cancel()
	if err != nil {
		if r.expired() {
			return StateTimedOut, r.timeout("triggering client traffic")
		}
		return StateFailed, &errors.AutomationError{Trigger: r.o.trigger.Name(), Err: err}
	}
	r.transition(StateAutomationTriggered)

	r.transition(StateCapturing)
	r.lastBeat = r.o.clock()
	if pending != nil {
		if done, state, err := r.handleEvent(*pending); done {
			return state, err
		}
	}
	return r.awaitCapture()
}

func stateFor(err error) State {
	var te *errors.TimeoutError
	if stderrors.As(err, &te) {
		return StateTimedOut
	}
	return StateFailed
}

func (r *run) expired() bool {
	return !r.o.clock().Before(r.sess.Deadline)
}

func (r *run) timeout(stage string) error {
	return &errors.TimeoutError{Stage: stage, After: r.sess.Deadline.Sub(r.sess.StartedAt)}
}

func (r *run) pollWait(limit time.Time) time.Duration {
	wait := r.o.cfg.PollInterval
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	if remaining := limit.Sub(r.o.clock()); remaining < wait {
		wait = remaining
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// awaitListening drains events until the worker reports it is listening. A
// terminal event seen on the way is returned for the capture loop.
func (r *run) awaitListening() (*worker.Event, error) {
	startup := r.o.cfg.StartupTimeout
	if startup <= 0 {
		startup = 15 * time.Second
	}
	limit := r.o.clock().Add(startup)
	if limit.After(r.sess.Deadline) {
		limit = r.sess.Deadline
	}
	events := r.handle.Events()

	for r.o.clock().Before(limit) {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, &errors.WorkerError{Stage: "startup", Message: "worker exited before listening"}
			}
			r.recordEvent(ev)
			switch {
			case ev.Type == worker.EventError:
				return nil, &errors.WorkerError{Stage: "startup", Message: ev.Message, Trace: ev.Trace}
			case ev.Type == worker.EventInterrupted:
				return nil, &errors.WorkerError{Stage: "startup", Message: "worker interrupted"}
			case ev.Type == worker.EventComplete:
				return &ev, nil
			case ev.Status == worker.StatusListening:
				return nil, nil
			}
		case <-time.After(r.pollWait(limit)):
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
	}
	if r.expired() {
		return nil, r.timeout("waiting for worker")
	}
	return r.probePort(startup)
}

// probePort confirms a worker that never reported listening.
func (r *run) probePort(startup time.Duration) (*worker.Event, error) {
	attempts := r.o.cfg.ProbeAttempts
	if attempts <= 0 {
		attempts = 5
	}
	interval := r.o.cfg.ProbeInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	r.logger.WarnWithContext(r.ctx, "worker did not confirm listening, probing port",
		"addr", r.o.proxyAddr, "attempts", attempts)

	for i := 0; i < attempts; i++ {
		select {
		case ev, ok := <-r.handle.Events():
			if !ok {
				return nil, &errors.WorkerError{Stage: "startup", Message: "worker exited before listening"}
			}
			r.recordEvent(ev)
			if ev.Type == worker.EventError {
				return nil, &errors.WorkerError{Stage: "startup", Message: ev.Message, Trace: ev.Trace}
			}
			if ev.Terminal() {
				return &ev, nil
			}
		default:
		}

		if err := r.o.probe(r.ctx, r.o.proxyAddr); err == nil {
			r.logger.InfoWithContext(r.ctx, "worker port reachable", "attempt", i+1)
			return nil, nil
		}
		if r.expired() {
			return nil, r.timeout("waiting for worker")
		}
		if i < attempts-1 {
			select {
			case <-time.After(interval):
			case <-r.ctx.Done():
				return nil, r.ctx.Err()
			}
		}
	}
	return nil, &errors.TimeoutError{Stage: "waiting for worker to listen", After: startup}
}

func (r *run) awaitCapture() (State, error) {
	events := r.handle.Events()
	for {
		if r.expired() {
			return StateTimedOut, r.timeout("capturing")
		}
		select {
		case ev, ok := <-events:
			if !ok {
				return r.workerGone()
			}
			r.recordEvent(ev)
			if done, state, err := r.handleEvent(ev); done {
				return state, err
			}
		case <-time.After(r.pollWait(r.sess.Deadline)):
		case <-r.ctx.Done():
			return StateFailed, r.ctx.Err()
		}
		r.heartbeat()
	}
}

func (r *run) heartbeat() {
	every := r.o.cfg.HeartbeatInterval
	if every <= 0 {
		return
	}
	now := r.o.clock()
	if now.Sub(r.lastBeat) < every {
		return
	}
	r.lastBeat = now
	r.logger.InfoWithContext(r.ctx, "capture in progress",
		"elapsed", now.Sub(r.sess.StartedAt).Round(time.Second).String(),
		"remaining", r.sess.Deadline.Sub(now).Round(time.Second).String())
}

// handleEvent applies one capture-phase event and reports whether it decided
// the session.
func (r *run) handleEvent(ev worker.Event) (bool, State, error) {
	switch ev.Type {
	case worker.EventComplete:
		if ev.AccountKey != "" {
			r.resolvedKey = ev.AccountKey
		}
		state, err := r.verify()
		return true, state, err
	case worker.EventError:
		return true, StateFailed, &errors.WorkerError{Stage: "capturing", Message: ev.Message, Trace: ev.Trace}
	case worker.EventInterrupted:
		return true, StateFailed, &errors.WorkerError{Stage: "capturing", Message: "worker interrupted"}
	case worker.EventWarning:
		r.logger.WarnWithContext(r.ctx, "worker warning", "status", ev.Status, "error", ev.Error)
		if ev.Status == worker.StatusDBSaveFailed {
			r.o.recordSaved("failed")
		}
	case worker.EventStatus:
		switch ev.Status {
		case worker.StatusSavingToDB:
			if ev.AccountKey != "" {
				r.resolvedKey = ev.AccountKey
			}
		case worker.StatusDBSaved:
			r.recordID = ev.RecordID
			r.o.recordSaved("saved")
		}
	}
	return false, "", nil
}

// verify waits for the write to settle, then requires a usable credential
// captured during this session.
func (r *run) verify() (State, error) {
	if settle := r.o.cfg.SettleDelay; settle > 0 {
		select {
		case <-time.After(settle):
		case <-r.ctx.Done():
			return StateFailed, r.ctx.Err()
		}
	}
	key := r.resolvedKey
	if models.ValidateAccountKey(key) != nil {
		return StateFailed, &errors.PersistenceError{AccountKey: key, Err: fmt.Errorf("account key unresolved")}
	}
	cred, err := r.o.store.GetValidCredential(r.ctx, key)
	if err != nil {
		return StateFailed, &errors.PersistenceError{AccountKey: key, Err: err}
	}
	if cred == nil || cred.CapturedAt.Before(r.sess.StartedAt) {
		return StateFailed, &errors.PersistenceError{AccountKey: key, Err: fmt.Errorf("no usable credential captured during this session")}
	}
	r.recordID = cred.ID
	return StateSuccess, nil
}

// workerGone decides a session whose worker exited without a terminal event.
func (r *run) workerGone() (State, error) {
	key := r.resolvedKey
	if models.ValidateAccountKey(key) == nil {
		ok, err := r.o.store.HasCapturedSince(r.ctx, key, r.sess.StartedAt)
		if err == nil && ok {
			r.logger.WarnWithContext(r.ctx, "worker exited without result, credential found in store")
			if cred, err := r.o.store.GetValidCredential(r.ctx, key); err == nil && cred != nil {
				r.recordID = cred.ID
			}
			return StateSuccess, nil
		}
	}
	return StateFailed, &errors.WorkerError{Stage: "capturing", Message: "worker exited without a result"}
}

func (r *run) transition(next State) {
	prev := r.sess.set(next)
	r.logger.InfoWithContext(r.ctx, "session state", "from", string(prev), "to", string(next))
}

func (r *run) recordEvent(ev worker.Event) {
	if r.o.metrics != nil {
		r.o.metrics.RecordWorkerEvent(string(ev.Type), ev.Status)
	}
	r.logger.DebugWithContext(r.ctx, "worker event", "type", string(ev.Type), "status", ev.Status, "message", ev.Message)
}

// cleanup always runs and never fails the session. It is bounded by the
// cleanup budget; the slot is released even when the budget is exceeded.
func (r *run) cleanup() {
	r.transition(StateCleaningUp)

	budget := r.o.cfg.CleanupBudget
	if budget <= 0 {
		budget = 10 * time.Second
	}
	grace := r.o.cfg.TerminateGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), budget)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				r.logger.ErrorWithContext(r.ctx, "cleanup panicked", "panic", fmt.Sprint(p))
			}
		}()
		if r.handle != nil {
			if err := r.handle.Terminate(grace); err != nil {
				r.logger.WarnWithContext(r.ctx, "worker terminate failed", "error", err.Error())
			}
		}
		if r.proxyTouched {
			if err := r.o.proxy.Disable(ctx); err != nil {
				r.logger.WarnWithContext(r.ctx, "system proxy restore failed", "error", err.Error())
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.ErrorWithContext(r.ctx, "cleanup exceeded budget", "budget", budget.String())
	}

	r.o.active.CompareAndSwap(r.sess, nil)
	r.o.setActiveGauge(false)
	r.transition(StateIdle)
}

func (o *Orchestrator) finish(r *run, res *Result) {
	if res == nil {
		return
	}
	res.History = r.sess.History()

	if o.metrics != nil {
		o.metrics.RecordSession(string(res.State), res.Duration.Seconds())
	}

	eventType, status, severity := logging.CaptureSucceeded, logging.StatusSuccess, logging.SeverityInfo
	if !res.Success {
		eventType, status, severity = logging.CaptureFailed, logging.StatusFailure, logging.SeverityWarning
	}
	audit := logging.NewAuditEvent(eventType, "capture", status).
		WithSession(res.SessionID).
		WithAccount(res.AccountKey).
		WithSeverity(severity).
		WithDetails(map[string]interface{}{
			"state":       string(res.State),
			"duration_ms": res.Duration.Milliseconds(),
		})
	if !res.Success {
		audit = audit.WithError(res.Reason)
	}
	o.logger.Audit(audit)

	outcome := notify.Outcome{
		SessionID:  res.SessionID,
		AccountKey: res.AccountKey,
		Success:    res.Success,
		State:      string(res.State),
		Reason:     res.Reason,
		Duration:   res.Duration,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.notifier.Notify(ctx, outcome); err != nil {
			o.logger.Debug("capture outcome notification failed",
				"session_id", outcome.SessionID, "error", err.Error())
		}
	}()
}

func (o *Orchestrator) setActiveGauge(active bool) {
	if o.metrics != nil {
		o.metrics.SetActiveSession(active)
	}
}

func (o *Orchestrator) recordSaved(result string) {
	if o.metrics != nil {
		o.metrics.RecordCredentialSaved(result)
	}
}
