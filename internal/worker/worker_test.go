package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sessioncap/sessioncap/internal/capture"
	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/models"
	"github.com/sessioncap/sessioncap/internal/store"
	"github.com/sessioncap/sessioncap/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_SingleTerminal(t *testing.T) {
	sink := make(ChanSink, 8)
	em := NewEmitter(sink)

	require.NoError(t, em.Status(StatusStarting, "go"))
	require.NoError(t, em.Complete("biz", models.CaptureSummary{HasKey: true}))
	assert.ErrorIs(t, em.Fail("late", ""), ErrAfterTerminal)
	assert.ErrorIs(t, em.Interrupted("late"), ErrAfterTerminal)
	assert.True(t, em.Done())

	term, ok := em.Terminal()
	require.True(t, ok)
	assert.Equal(t, EventComplete, term.Type)
	assert.Len(t, sink, 2)
	first := <-sink
	assert.False(t, first.Time.IsZero())
}

func TestReadEvents_SkipsNoise(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONSink(&buf)
	require.NoError(t, sink.Send(Event{Type: EventStatus, Status: StatusListening, Port: 8888}))
	buf.WriteString("some library printed this\n")
	buf.WriteString(`{"status":"no type"}` + "\n")
	require.NoError(t, sink.Send(Event{Type: EventComplete, Status: StatusSuccess, AccountKey: "biz"}))

	var events []Event
	var noise int
	err := ReadEvents(&buf, func(e Event) { events = append(events, e) }, func(string, error) { noise++ })
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 8888, events[0].Port)
	assert.True(t, events[1].Terminal())
	assert.Equal(t, 2, noise)
}

func TestCommands_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, Command{Type: CommandShutdown}))
	buf.WriteString("garbage\n")

	var got []Command
	require.NoError(t, ReadCommands(&buf, func(c Command) { got = append(got, c) }))
	assert.Equal(t, []Command{{Type: CommandShutdown}}, got)
}

func TestEvent_NeverCarriesSecrets(t *testing.T) {
	fields := models.CaptureFields{AccountKey: "biz", Cookie: "secret-cookie", Key: "secret-key", PassTicket: "secret-pt"}
	var buf bytes.Buffer
	em := NewEmitter(NewJSONSink(&buf))
	require.NoError(t, em.Complete(fields.AccountKey, fields.Summary()))
	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), `"cookie_length":13`)
}

type workerEnv struct {
	opts     Options
	upstream *httptest.Server
	store    *store.MemoryStore
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.crt")
	keyFile := filepath.Join(dir, "ca.key")
	_, err := capture.GenerateAuthority(certFile, keyFile, false)
	require.NoError(t, err)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "article")
	}))
	t.Cleanup(srv.Close)
	pool := srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs

	st := store.NewMemoryStore()
	return &workerEnv{
		upstream: srv,
		store:    st,
		opts: Options{
			Capture: config.CaptureConfig{
				ListenHost:     "127.0.0.1",
				Port:           0,
				TargetHosts:    []string{"127.0.0.1"},
				CertFile:       certFile,
				KeyFile:        keyFile,
				RequiredParams: []string{"key", "pass_ticket"},
				ContentPaths:   []string{"/s"},
				ScanResponses:  true,
			},
			Store:     st,
			Transport: upstream.NewTransport(upstream.Options{RootCAs: pool}),
			Linger:    10 * time.Millisecond,
		},
	}
}

func collect(t *testing.T, sink ChanSink, until func(Event) bool) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-sink:
			events = append(events, e)
			if until(e) {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %+v", events)
			return nil
		}
	}
}

func statuses(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Status)
	}
	return out
}

func proxiedGet(t *testing.T, port int, caFile, target string) {
	t.Helper()
	authority, err := capture.LoadAuthority(caFile, strings.TrimSuffix(caFile, ".crt")+".key")
	require.NoError(t, err)
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(&url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}),
			TLSClientConfig: &tls.Config{RootCAs: authority.Pool()},
		},
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	req.Header.Set("Cookie", "wxuin=1; appmsg_token=tok")
	resp, err := client.Do(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestRun_CaptureAndPersist(t *testing.T) {
	env := newWorkerEnv(t)
	sink := make(ChanSink, eventBuffer)

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), env.opts, sink) }()

	events := collect(t, sink, func(e Event) bool { return e.Status == StatusCapturing })
	assert.Equal(t, []string{StatusStarting, StatusInitializing, StatusListening, StatusCapturing}, statuses(events))
	port := events[2].Port
	require.NotZero(t, port)

	proxiedGet(t, port, env.opts.Capture.CertFile, env.upstream.URL+"/s?__biz=QklaMQ%3D%3D&key=k1&pass_ticket=p1&uin=u1")

	events = collect(t, sink, Event.Terminal)
	assert.Equal(t, []string{StatusSavingToDB, StatusDBSaved, StatusSuccess}, statuses(events))
	complete := events[2]
	assert.Equal(t, "QklaMQ==", complete.AccountKey)
	require.NotNil(t, complete.Summary)
	assert.True(t, complete.Summary.HasKey)
	assert.True(t, complete.Summary.HasUIN)
	assert.NotZero(t, events[1].RecordID)

	require.NoError(t, <-done)

	cred, err := env.store.GetValidCredential(context.Background(), "QklaMQ==")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "k1", cred.Key)
	assert.Equal(t, "tok", cred.AppMsgToken)
	assert.Equal(t, events[1].RecordID, cred.ID)
	assert.Len(t, sink, 0, "nothing after the terminal event")
}

func TestRun_FallbackAccountKey(t *testing.T) {
	env := newWorkerEnv(t)
	env.opts.AccountKey = "passed-in"
	sink := make(ChanSink, eventBuffer)
	go func() { _ = Run(context.Background(), env.opts, sink) }()

	events := collect(t, sink, func(e Event) bool { return e.Status == StatusListening })
	proxiedGet(t, events[len(events)-1].Port, env.opts.Capture.CertFile, env.upstream.URL+"/s?key=k&pass_ticket=p")

	events = collect(t, sink, Event.Terminal)
	assert.Equal(t, "passed-in", events[len(events)-1].AccountKey)

	cred, err := env.store.GetValidCredential(context.Background(), "passed-in")
	require.NoError(t, err)
	assert.NotNil(t, cred)
}

func TestRun_UnresolvedAccount(t *testing.T) {
	env := newWorkerEnv(t)
	sink := make(ChanSink, eventBuffer)
	go func() { _ = Run(context.Background(), env.opts, sink) }()

	events := collect(t, sink, func(e Event) bool { return e.Status == StatusListening })
	proxiedGet(t, events[len(events)-1].Port, env.opts.Capture.CertFile, env.upstream.URL+"/s?key=k&pass_ticket=p")

	events = collect(t, sink, Event.Terminal)
	require.GreaterOrEqual(t, len(events), 2)
	warn := events[len(events)-2]
	assert.Equal(t, EventWarning, warn.Type)
	assert.Equal(t, StatusDBSaveFailed, warn.Status)
	assert.Equal(t, models.UnknownAccountKey, events[len(events)-1].AccountKey)

	accounts, err := env.store.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestRun_MissingCerts(t *testing.T) {
	env := newWorkerEnv(t)
	env.opts.Capture.CertFile = filepath.Join(t.TempDir(), "missing.crt")
	sink := make(ChanSink, eventBuffer)

	err := Run(context.Background(), env.opts, sink)
	require.Error(t, err)

	close(sink)
	var events []Event
	for e := range sink {
		events = append(events, e)
	}
	require.Len(t, events, 2)
	assert.Equal(t, StatusStarting, events[0].Status)
	assert.Equal(t, EventError, events[1].Type)
	assert.Contains(t, events[1].Message, "precondition")
}

func TestRun_ShutdownCommand(t *testing.T) {
	env := newWorkerEnv(t)
	cmds := make(chan Command, 1)
	env.opts.Commands = cmds
	sink := make(ChanSink, eventBuffer)

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), env.opts, sink) }()
	collect(t, sink, func(e Event) bool { return e.Status == StatusCapturing })

	cmds <- Command{Type: CommandShutdown}
	events := collect(t, sink, Event.Terminal)
	assert.Equal(t, EventInterrupted, events[len(events)-1].Type)
	assert.NoError(t, <-done)
}

func TestRun_ContextCancelled(t *testing.T) {
	env := newWorkerEnv(t)
	sink := make(ChanSink, eventBuffer)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, env.opts, sink) }()
	collect(t, sink, func(e Event) bool { return e.Status == StatusCapturing })

	cancel()
	events := collect(t, sink, Event.Terminal)
	assert.Equal(t, EventInterrupted, events[len(events)-1].Type)
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestInProcessLauncher_PanicBecomesErrorEvent(t *testing.T) {
	l := &InProcessLauncher{RunFunc: func(ctx context.Context, opts Options, sink Sink) error {
		_ = sink.Send(Event{Type: EventStatus, Status: StatusStarting})
		panic("engine exploded")
	}}
	h, err := l.Start(context.Background(), Spec{SessionID: "s1"})
	require.NoError(t, err)

	var events []Event
	for e := range h.Events() {
		events = append(events, e)
	}
	<-h.Done()
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
	assert.Contains(t, events[1].Message, "engine exploded")
	assert.NotEmpty(t, events[1].Trace)
	assert.NoError(t, h.Terminate(10*time.Millisecond))
}

func TestInProcessLauncher_Terminate(t *testing.T) {
	l := &InProcessLauncher{RunFunc: func(ctx context.Context, opts Options, sink Sink) error {
		assert.Equal(t, "acct", opts.AccountKey)
		em := NewEmitter(sink)
		_ = em.Status(StatusListening, "")
		select {
		case <-shutdownSignal(ctx, opts.Commands):
			return em.Interrupted("shutdown")
		case <-ctx.Done():
			return em.Interrupted("cancelled")
		}
	}}
	h, err := l.Start(context.Background(), Spec{AccountKey: "acct"})
	require.NoError(t, err)

	first := <-h.Events()
	assert.Equal(t, StatusListening, first.Status)
	require.NoError(t, h.Terminate(time.Second))

	last := <-h.Events()
	assert.Equal(t, EventInterrupted, last.Type)
	_, open := <-h.Events()
	assert.False(t, open)
}
