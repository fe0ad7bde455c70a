package capture

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sessioncap/sessioncap/internal/errors"
)

// tunnel pipes bytes between the client and hostport without decrypting.
func (e *Engine) tunnel(client net.Conn, br *bufio.Reader, hostport string) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	upstream, err := e.cfg.Dial(ctx, "tcp", hostport)
	cancel()
	if err != nil {
		writeBadGateway(client)
		e.fail(&errors.EngineError{Op: "tunnel dial", Host: normalizeHost(hostport), Err: err})
		return
	}
	if !e.track(upstream) {
		upstream.Close()
		return
	}
	defer e.untrack(upstream)
	defer upstream.Close()

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	_ = client.SetReadDeadline(time.Time{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// Buffered bytes first; the client may have pipelined its hello.
		_, _ = io.Copy(upstream, br)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, upstream)
		closeWrite(client)
	}()
	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
