package capture

import (
	"bufio"
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sessioncap/sessioncap/internal/errors"
	"github.com/sessioncap/sessioncap/internal/logging"
)

const (
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 2 * time.Minute
)

// Hop-by-hop headers are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Upgrade",
}

// Config controls one capture engine.
type Config struct {
	ListenAddr      string
	TargetHosts     []string
	MaxScanBytes    int64
	UpstreamTimeout time.Duration

	// Transport forwards decrypted requests. Required.
	Transport http.RoundTripper

	// Dial opens blind tunnels. Nil uses a plain TCP dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// OnError is called for every engine error after it is logged.
	OnError func(error)
}

// Engine is an intercepting HTTP(S) proxy. Only connections to target hosts
// are decrypted and inspected; everything else is tunnelled untouched.
type Engine struct {
	cfg       Config
	authority *Authority
	detector  *Detector
	observers []ResponseObserver
	logger    *logging.Logger
	client    *http.Client
	targets   map[string]struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewEngine wires an engine. The transport must not use an environment
// proxy, or traffic would loop back through the engine.
func NewEngine(cfg Config, authority *Authority, detector *Detector, logger *logging.Logger, observers ...ResponseObserver) (*Engine, error) {
	if authority == nil {
		return nil, fmt.Errorf("capture engine requires an authority")
	}
	if detector == nil {
		return nil, fmt.Errorf("capture engine requires a detector")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("capture engine requires an upstream transport")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8888"
	}
	if cfg.MaxScanBytes <= 0 {
		cfg.MaxScanBytes = 4 << 20
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		cfg.Dial = d.DialContext
	}
	if logger == nil {
		logger = logging.NewLogger(logging.WithOutput(io.Discard))
	}

	targets := make(map[string]struct{}, len(cfg.TargetHosts))
	for _, h := range cfg.TargetHosts {
		if h = normalizeHost(h); h != "" {
			targets[h] = struct{}{}
		}
	}

	return &Engine{
		cfg:       cfg,
		authority: authority,
		detector:  detector,
		observers: observers,
		logger:    logger.With("component", "capture"),
		client: &http.Client{
			Transport: cfg.Transport,
			Timeout:   cfg.UpstreamTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		targets: targets,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Listen binds the configured address.
func (e *Engine) Listen() (net.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, net.ErrClosed
	}
	if e.listener != nil {
		return e.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return nil, &errors.EngineError{Op: "listen", Host: e.cfg.ListenAddr, Err: err}
	}
	e.listener = ln
	return ln.Addr(), nil
}

// Addr returns the bound address, or nil before Listen.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Captured is closed once the detector has fired and its callback returned.
func (e *Engine) Captured() <-chan struct{} {
	return e.detector.Captured()
}

// IsTarget reports whether host is decrypted by this engine.
func (e *Engine) IsTarget(host string) bool {
	_, ok := e.targets[normalizeHost(host)]
	return ok
}

// Serve accepts connections until ctx is done or Close is called.
func (e *Engine) Serve(ctx context.Context) error {
	if _, err := e.Listen(); err != nil {
		return err
	}
	e.mu.Lock()
	ln := e.listener
	e.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = e.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if e.isClosed() {
				e.wg.Wait()
				return nil
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			_ = e.Close()
			e.wg.Wait()
			return &errors.EngineError{Op: "accept", Err: err}
		}
		if !e.track(conn) {
			conn.Close()
			continue
		}
		e.wg.Add(1)
		go e.serveConn(conn)
	}
}

// Close stops the listener and drops every open connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var err error
	if e.listener != nil {
		err = e.listener.Close()
	}
	for c := range e.conns {
		c.Close()
	}
	return err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) track(c net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.conns[c] = struct{}{}
	return true
}

func (e *Engine) untrack(c net.Conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}

func (e *Engine) fail(err error) {
	e.logger.Warn("engine error", "error", err.Error())
	if e.cfg.OnError != nil {
		e.cfg.OnError(err)
	}
}

func (e *Engine) serveConn(conn net.Conn) {
	defer e.wg.Done()
	defer e.untrack(conn)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			e.fail(&errors.EngineError{Op: "serve", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			e.fail(&errors.EngineError{Op: "read request", Err: err})
		}
		return
	}

	if req.Method == http.MethodConnect {
		e.handleConnect(conn, br, req)
		return
	}
	e.handlePlain(conn, br, req)
}

func (e *Engine) handleConnect(conn net.Conn, br *bufio.Reader, req *http.Request) {
	hostport := req.Host
	if !strings.Contains(hostport, ":") || strings.HasSuffix(hostport, "]") {
		hostport = net.JoinHostPort(normalizeHost(hostport), "443")
	}
	host := normalizeHost(hostport)

	if !e.IsTarget(host) {
		e.tunnel(conn, br, hostport)
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	tlsConn := tls.Server(&bufferedConn{Conn: conn, r: br}, &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = host
			}
			return e.authority.LeafFor(name)
		},
	})
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		e.fail(&errors.EngineError{Op: "tls handshake", Host: host, Err: err})
		return
	}
	_ = conn.SetDeadline(time.Time{})
	defer tlsConn.Close()

	e.requestLoop(tlsConn, bufio.NewReader(tlsConn), nil, "https", hostport, true)
}

func (e *Engine) handlePlain(conn net.Conn, br *bufio.Reader, first *http.Request) {
	e.requestLoop(conn, br, first, "http", "", false)
}

// requestLoop serves keep-alive requests on one client connection. For
// decrypted tunnels every request is inspected; plain requests only when
// their host is a target.
func (e *Engine) requestLoop(conn net.Conn, br *bufio.Reader, first *http.Request, scheme, connectHost string, tunnelled bool) {
	req := first
	for {
		if req == nil {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
			var err error
			req, err = http.ReadRequest(br)
			if err != nil {
				if err != io.EOF && !stderrors.Is(err, net.ErrClosed) {
					var ne net.Error
					if !(stderrors.As(err, &ne) && ne.Timeout()) {
						e.fail(&errors.EngineError{Op: "read request", Host: normalizeHost(connectHost), Err: err})
					}
				}
				return
			}
		}

		keepAlive, err := e.roundTrip(conn, req, scheme, connectHost, tunnelled)
		if err != nil {
			e.fail(err)
			return
		}
		if !keepAlive {
			return
		}
		req = nil
	}
}

func (e *Engine) roundTrip(conn net.Conn, req *http.Request, scheme, connectHost string, tunnelled bool) (bool, error) {
	defer req.Body.Close()

	if scheme == "https" || !req.URL.IsAbs() {
		req.URL.Scheme = scheme
		if req.Host != "" {
			req.URL.Host = req.Host
		} else {
			req.URL.Host = connectHost
		}
	}
	host := normalizeHost(req.URL.Host)
	if scheme == "https" && req.URL.Port() == "443" {
		req.URL.Host = host
	}

	if tunnelled || e.IsTarget(host) {
		if e.detector.Inspect(req) {
			e.logger.Info("credential request intercepted", "host", host, "path", req.URL.Path)
		}
	}

	out := req.Clone(req.Context())
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := e.client.Do(out)
	if err != nil {
		writeBadGateway(conn)
		return false, &errors.EngineError{Op: "forward", Host: host, Err: err}
	}
	defer resp.Body.Close()

	if len(e.observers) > 0 {
		observeResponse(e.observers, req, resp, e.cfg.MaxScanBytes, e.logger)
	}

	if err := resp.Write(conn); err != nil {
		return false, &errors.EngineError{Op: "write response", Host: host, Err: err}
	}
	return !req.Close && !resp.Close, nil
}

func writeBadGateway(w io.Writer) {
	_, _ = io.WriteString(w, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
}

// bufferedConn replays bytes already buffered by the CONNECT reader.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
