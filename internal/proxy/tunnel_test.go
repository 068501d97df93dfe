package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
)

// startEchoOrigin accepts one raw TCP connection and echoes whatever
// it receives, simulating an opaque TLS peer behind a CONNECT tunnel.
func startEchoOrigin(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo origin: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestConnectTunnelRelaysBytesUnmodified(t *testing.T) {
	origin := startEchoOrigin(t)
	proxyLn := startTestProxy(t)

	conn, err := net.Dial("tcp", proxyLn.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", origin.Addr().String())

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d, want 200", resp.StatusCode)
	}

	payload := bytes.Repeat([]byte("a"), 1024)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write tunnel payload: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("read tunnel echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("tunnel echoed mismatched bytes")
	}
}
