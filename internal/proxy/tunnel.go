package proxy

import (
	"io"
	"net"
	"sync"

	"github.com/relaycache/proxy/internal/metrics"
)

// tunnelBufSize is the fixed per-direction read buffer size.
const tunnelBufSize = 8192

// runTunnel implements the HttpsTunnel submachine: send the
// Connection Established response, then run two independent
// half-duplex byte pumps concurrently. Either pump ending (EOF or
// reset on its read side) tears down both directions. clientReader is
// the session's buffered reader over the client socket: bytes the
// client sent on the heels of the CONNECT head are already sitting in
// that buffer, so the client->server pump must read through it rather
// than the raw socket.
func (s *session) runTunnel(upstream net.Conn, clientReader io.Reader) {
	defer upstream.Close()

	if err := writeTunnelEstablished(s.client); err != nil {
		s.logger.Line(s.id, "Error [tunnel-handshake]: %s", err)
		return
	}

	// Whichever pump ends first closes both sockets, which unblocks the
	// other pump's pending read or write.
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = upstream.Close()
			_ = s.client.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(upstream, clientReader, "client_to_server")
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		pump(s.client, upstream, "server_to_client")
		closeBoth()
	}()
	wg.Wait()

	s.logger.Line(s.id, "Tunnel closed")
}

// pump copies from src to dst in a fixed-size-buffer read/write loop
// until src's read side reaches EOF or reset, then shuts down dst's
// write side so the peer observes the close without waiting on a
// timeout.
func pump(dst io.Writer, src io.Reader, direction string) {
	buf := make([]byte, tunnelBufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
			metrics.TunnelBytesAdd(direction, n)
		}
		if rerr != nil {
			break
		}
	}
	if c, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = c.CloseWrite()
	}
}
