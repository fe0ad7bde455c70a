package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
)

// Options configures outbound connections to the real target service.
type Options struct {
	// UseUTLS dials TLS with a Chrome ClientHello fingerprint instead of Go's.
	UseUTLS bool
	// RootCAs overrides the system trust store, mainly for tests.
	RootCAs *x509.CertPool
	// UseEnvProxy honours HTTP(S)_PROXY. The capture engine leaves this off so
	// forwarded traffic never loops back into itself.
	UseEnvProxy bool
	Timeout     time.Duration
}

// NewTransport builds an HTTP/1.1 transport for forwarding intercepted
// requests upstream.
func NewTransport(opts Options) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		// Responses are relayed byte-for-byte, so let the client negotiate
		// compression itself.
		DisableCompression: true,
	}
	if opts.UseEnvProxy {
		t.Proxy = http.ProxyFromEnvironment
	}
	t.TLSClientConfig = &tls.Config{
		RootCAs:    opts.RootCAs,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}
	if opts.UseUTLS {
		t.DialTLSContext = utlsDialer(opts.RootCAs)
	}
	return t
}

func utlsDialer(roots *x509.CertPool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		rawConn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}

		spec, err := utls.UTLSIdToSpec(utls.HelloChrome_120)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		// The Chrome preset offers h2, which a custom DialTLS transport cannot speak.
		for _, ext := range spec.Extensions {
			if alpn, ok := ext.(*utls.ALPNExtension); ok {
				alpn.AlpnProtocols = []string{"http/1.1"}
			}
		}

		config := &utls.Config{
			ServerName: host,
			RootCAs:    roots,
			NextProtos: []string{"http/1.1"},
		}
		uconn := utls.UClient(rawConn, config, utls.HelloCustom)
		if err := uconn.ApplyPreset(&spec); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		if err := uconn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		return uconn, nil
	}
}
