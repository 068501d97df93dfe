package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycache/proxy/internal/applog"
)

// fakeOrigin serves canned responses over raw HTTP/1.1, counting how
// many connections it accepted so tests can assert cache hits never
// reach the origin.
type fakeOrigin struct {
	ln    net.Listener
	conns int32
}

func startFakeOrigin(t *testing.T, handler func(req *http.Request) string) *fakeOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	fo := &fakeOrigin{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&fo.conns, 1)
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				raw := handler(req)
				conn.Write([]byte(raw))
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return fo
}

func startTestProxy(t *testing.T) *Listener {
	t.Helper()
	logger, err := applog.Open(t.TempDir() + "/proxy.log")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	rt := NewRuntime(4, 4, logger, 2*time.Second)
	ln, err := Listen("127.0.0.1:0", rt, logger)
	if err != nil {
		t.Fatalf("listen proxy: %v", err)
	}
	go ln.Run()
	t.Cleanup(func() {
		ln.Close()
		rt.Shutdown()
	})
	return ln
}

func doGet(t *testing.T, proxyAddr, host, target string) (*http.Response, []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", target, host)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read proxy response: %v", err)
	}
	buf := make([]byte, 0)
	tmp := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if rerr != nil {
			break
		}
	}
	return resp, buf
}

func TestGetMissStoresInCache(t *testing.T) {
	origin := startFakeOrigin(t, func(req *http.Request) string {
		return "HTTP/1.1 200 OK\r\nCache-Control: max-age=60\r\nContent-Length: 3\r\n\r\nxyz"
	})
	ln := startTestProxy(t)

	resp, body := doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")
	if resp.StatusCode != 200 || string(body) != "xyz" {
		t.Fatalf("got (%d,%q), want (200,xyz)", resp.StatusCode, body)
	}
	if atomic.LoadInt32(&origin.conns) != 1 {
		t.Fatalf("origin saw %d connections, want 1", origin.conns)
	}
	if _, ok := ln.runtime.Cache.Get("/a"); !ok {
		t.Fatalf("cache holds no entry for /a after a cacheable miss")
	}
}

func TestGetHitFreshDoesNotContactOrigin(t *testing.T) {
	origin := startFakeOrigin(t, func(req *http.Request) string {
		return "HTTP/1.1 200 OK\r\nCache-Control: max-age=60\r\nContent-Length: 3\r\n\r\nxyz"
	})
	ln := startTestProxy(t)

	doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")
	resp, body := doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")

	if resp.StatusCode != 200 || string(body) != "xyz" {
		t.Fatalf("got (%d,%q), want (200,xyz)", resp.StatusCode, body)
	}
	if atomic.LoadInt32(&origin.conns) != 1 {
		t.Fatalf("origin saw %d connections on fresh hit, want 1 (no re-contact)", origin.conns)
	}
}

func TestGetNoStoreLeavesCacheUnchanged(t *testing.T) {
	origin := startFakeOrigin(t, func(req *http.Request) string {
		return "HTTP/1.1 200 OK\r\nCache-Control: no-store\r\nContent-Length: 3\r\n\r\nxyz"
	})
	ln := startTestProxy(t)

	doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")
	doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")

	if atomic.LoadInt32(&origin.conns) != 2 {
		t.Fatalf("origin saw %d connections, want 2 (no-store must never cache)", origin.conns)
	}
}

func TestGetStaleRevalidates200ReplacesEntry(t *testing.T) {
	var reqs int32
	origin := startFakeOrigin(t, func(req *http.Request) string {
		if atomic.AddInt32(&reqs, 1) == 1 {
			return "HTTP/1.1 200 OK\r\nCache-Control: max-age=0\r\nETag: \"v1\"\r\nContent-Length: 3\r\n\r\nxyz"
		}
		return "HTTP/1.1 200 OK\r\nCache-Control: max-age=60\r\nETag: \"v2\"\r\nContent-Length: 5\r\n\r\nabcde"
	})
	ln := startTestProxy(t)

	doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")
	time.Sleep(1100 * time.Millisecond)

	resp, body := doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")
	if resp.StatusCode != 200 || string(body) != "abcde" {
		t.Fatalf("got (%d,%q), want the replacement body (200,abcde)", resp.StatusCode, body)
	}

	// The 200 revalidation must have replaced the entry: a third GET is
	// a fresh hit served without another origin connection.
	resp, body = doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")
	if resp.StatusCode != 200 || string(body) != "abcde" {
		t.Fatalf("got (%d,%q) on fresh hit, want (200,abcde)", resp.StatusCode, body)
	}
	if atomic.LoadInt32(&origin.conns) != 2 {
		t.Fatalf("origin saw %d connections, want 2", origin.conns)
	}
}

func TestPostForwardedNeverCached(t *testing.T) {
	origin := startFakeOrigin(t, func(req *http.Request) string {
		if req.Method != http.MethodPost {
			return "HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n"
		}
		return "HTTP/1.1 200 OK\r\nCache-Control: max-age=60\r\nContent-Length: 2\r\n\r\nok"
	})
	ln := startTestProxy(t)

	post := func() (*http.Response, []byte) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial proxy: %v", err)
		}
		defer conn.Close()
		fmt.Fprintf(conn, "POST /submit HTTP/1.1\r\nHost: %s\r\nContent-Length: 4\r\nConnection: close\r\n\r\ndata", origin.ln.Addr().String())
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			t.Fatalf("read proxy response: %v", err)
		}
		body := make([]byte, 0)
		tmp := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(tmp)
			body = append(body, tmp[:n]...)
			if rerr != nil {
				break
			}
		}
		return resp, body
	}

	resp, body := post()
	if resp.StatusCode != 200 || string(body) != "ok" {
		t.Fatalf("got (%d,%q), want (200,ok)", resp.StatusCode, body)
	}
	post()
	if atomic.LoadInt32(&origin.conns) != 2 {
		t.Fatalf("origin saw %d connections, want 2 (POST responses are never cached)", origin.conns)
	}
}

func TestGetStaleRevalidates304ServesCachedBody(t *testing.T) {
	var reqs int32
	origin := startFakeOrigin(t, func(req *http.Request) string {
		n := atomic.AddInt32(&reqs, 1)
		if n == 1 {
			return "HTTP/1.1 200 OK\r\nCache-Control: max-age=0\r\nETag: \"v1\"\r\nContent-Length: 3\r\n\r\nxyz"
		}
		if req.Header.Get("If-None-Match") != `"v1"` {
			return "HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n"
		}
		return "HTTP/1.1 304 Not Modified\r\nContent-Length: 0\r\n\r\n"
	})
	ln := startTestProxy(t)

	doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")
	time.Sleep(1100 * time.Millisecond)
	resp, body := doGet(t, ln.Addr().String(), origin.ln.Addr().String(), "/a")

	if resp.StatusCode != 200 || string(body) != "xyz" {
		t.Fatalf("got (%d,%q), want cached body served after 304 (200,xyz)", resp.StatusCode, body)
	}
	if atomic.LoadInt32(&origin.conns) != 2 {
		t.Fatalf("origin saw %d connections, want 2 (one revalidation)", origin.conns)
	}
}
