package proxy

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// kind classifies a session-terminating condition. Every kind is
// recovered locally; none propagate past the session or terminate the
// process.
type kind string

const (
	kindBadRequest           kind = "bad_request"
	kindUnsupportedMethod    kind = "unsupported_method"
	kindDNSFailure           kind = "dns_failure"
	kindConnectFailure       kind = "connect_failure"
	kindUpstreamParseFailure kind = "upstream_parse_failure"
	kindPeerClosed           kind = "peer_closed"
	kindPeerReset            kind = "peer_reset"
	kindTransportError       kind = "transport_error"
	kindOK                   kind = "ok"
)

// classifyReadErr distinguishes a clean EOF, a reset, a lower-level
// transport error, and a genuine message-framing failure on a read. A
// net.Error (timeout, use-of-closed-connection, and other errors the
// net package itself raises) is a transport problem with no
// well-formed message to reject; anything else bubbling out of
// http.ReadRequest/http.ReadResponse is the parser rejecting malformed
// input, which gets a synthesized 400 at the call site.
func classifyReadErr(err error) kind {
	switch {
	case err == nil:
		return kindOK
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return kindPeerClosed
	case errors.Is(err, syscall.ECONNRESET):
		return kindPeerReset
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return kindTransportError
		}
		return kindBadRequest
	}
}

// classifyDialErr distinguishes resolver failures from connect
// failures using the standard library's *net.DNSError and *net.OpError
// shapes.
func classifyDialErr(err error) kind {
	if err == nil {
		return kindOK
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return kindDNSFailure
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return kindConnectFailure
	}
	return kindConnectFailure
}
