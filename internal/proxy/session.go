package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/relaycache/proxy/internal/applog"
	"github.com/relaycache/proxy/internal/metrics"
)

// session is the per-connection state machine. It is created on accept
// and owned by its own goroutine, which holds the client socket until
// the session ends; there is no separate lifetime tracking because the
// goroutine itself is the outstanding work.
type session struct {
	id     string
	client net.Conn
	rt     *Runtime
	logger *applog.Logger
}

func newSession(id string, client net.Conn, rt *Runtime, logger *applog.Logger) *session {
	return &session{id: id, client: client, rt: rt, logger: logger}
}

// run drives AwaitInitialRequest -> ValidateMethod -> Resolve ->
// Connect -> submachine, looping back to AwaitInitialRequest on the
// same client socket when the submachine reports keep-alive.
func (s *session) run() {
	start := time.Now()
	submachine := "none"
	outcome := "ok"
	defer func() {
		metrics.ObserveSession(submachine, outcome, time.Since(start))
		_ = s.client.Close()
	}()

	br := bufio.NewReader(s.client)

	for {
		select {
		case <-s.rt.Context().Done():
			outcome = "shutdown"
			return
		default:
		}

		req, err := http.ReadRequest(br)
		if err != nil {
			switch k := classifyReadErr(err); k {
			case kindPeerClosed, kindPeerReset:
				return
			case kindTransportError:
				s.logger.Line(s.id, "Error [transport]: %s", err)
				outcome = string(kindTransportError)
				return
			default:
				s.logger.Line(s.id, "Error [parse]: %s", err)
				_ = writeBadRequest(s.client)
				outcome = string(kindBadRequest)
				return
			}
		}

		s.logger.Msg(s.id, applog.RequestLine(req.Method, req.RequestURI, protoString(req.ProtoMajor, req.ProtoMinor), clientIP(s.client), time.Now()))

		switch req.Method {
		case http.MethodGet, http.MethodPost, http.MethodConnect:
		default:
			s.logger.Line(s.id, "Error [method]: unsupported method %s", req.Method)
			outcome = string(kindUnsupportedMethod)
			return
		}

		hostport, err := resolveTarget(req)
		if err != nil {
			s.logger.Line(s.id, "Error [resolve]: %s", err)
			outcome = "resolve_failure"
			return
		}

		switch req.Method {
		case http.MethodConnect:
			submachine = "tunnel"
			conn, k, derr := dialUpstream(s.rt, hostport)
			if derr != nil {
				s.logger.Line(s.id, "Error [%s]: %s", dialStage(k), derr)
				outcome = string(k)
				return
			}
			s.runTunnel(conn, br)
			return

		case http.MethodPost:
			submachine = "forward"
			conn, k, derr := dialUpstream(s.rt, hostport)
			if derr != nil {
				s.logger.Line(s.id, "Error [%s]: %s", dialStage(k), derr)
				outcome = string(k)
				return
			}
			keepAlive, ferr := s.runForward(req, conn, hostport)
			_ = conn.Close()
			if ferr != nil {
				outcome = string(ferr.(kindError).kind)
			}
			if !keepAlive {
				return
			}

		case http.MethodGet:
			submachine = "cache"
			keepAlive, kErr := s.runCacheLookup(req, hostport)
			if kErr != nil {
				outcome = string(kErr.(kindError).kind)
			}
			if !keepAlive {
				return
			}
		}
	}
}

type kindError struct {
	kind kind
	err  error
}

func (e kindError) Error() string { return e.err.Error() }

// dialUpstream resolves and connects to hostport ("host:port"),
// reporting which of the two phases failed. The dial runs under rt's
// bounded dial-slot semaphore, held only for resolve+connect and
// released before returning, so a burst of new connections cannot
// open unbounded concurrent outbound dials while long-lived sessions
// stay uncapped.
func dialUpstream(rt *Runtime, hostport string) (net.Conn, kind, error) {
	release, err := rt.acquireDialSlot(rt.Context())
	if err != nil {
		return nil, kindTransportError, err
	}
	defer release()

	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, kindDNSFailure, err
	}
	dctx, cancel := context.WithTimeout(rt.Context(), rt.DialTimeout)
	defer cancel()

	if _, err := net.DefaultResolver.LookupHost(dctx, host); err != nil {
		return nil, kindDNSFailure, err
	}

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", hostport)
	if err != nil {
		return nil, classifyDialErr(err), err
	}
	return conn, kindOK, nil
}

func dialStage(k kind) string {
	if k == kindDNSFailure {
		return "resolve"
	}
	return "connect"
}

func protoString(major, minor int) string {
	if major == 1 && minor == 0 {
		return "1.0"
	}
	return "1.1"
}

func clientIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// resolveTarget derives the upstream "host:port" for req: CONNECT
// carries an authority-form target usually naming a port already;
// GET/POST use the Host header, defaulting to port 80 (443 for
// CONNECT) when none is given.
func resolveTarget(req *http.Request) (string, error) {
	if req.Method == http.MethodConnect {
		hostport := req.URL.Host
		if hostport == "" {
			hostport = req.Host
		}
		if _, _, err := net.SplitHostPort(hostport); err != nil {
			return net.JoinHostPort(hostport, "443"), nil
		}
		return hostport, nil
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if host == "" {
		return "", errNoHost
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, "80"), nil
}

var errNoHost = errors.New("request names no host")
