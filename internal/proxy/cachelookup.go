package proxy

import (
	"bufio"
	"io"
	"net/http"
	"time"

	"github.com/relaycache/proxy/internal/httpcache"
	"github.com/relaycache/proxy/internal/metrics"
)

// runCacheLookup implements the CacheLookup submachine (GET only): on
// a miss it falls through to HttpForward; on a fresh hit it serves
// straight from cache; on a stale hit it revalidates with a
// conditional request and handles the three possible outcomes.
func (s *session) runCacheLookup(req *http.Request, hostport string) (bool, error) {
	key := req.RequestURI
	entry, hit := s.rt.Cache.Get(key)

	if !hit {
		s.logger.Line(s.id, "not in cache")
		metrics.ObserveCacheResult("miss")
		conn, k, err := dialUpstream(s.rt, hostport)
		if err != nil {
			s.logger.Line(s.id, "Error [%s]: %s", dialStage(k), err)
			return false, kindError{k, err}
		}
		defer conn.Close()
		return s.runForward(req, conn, hostport)
	}

	now := time.Now()
	if !httpcache.NeedsRevalidation(entry, now) {
		s.logger.Line(s.id, "in cache, valid")
		metrics.ObserveCacheResult("hit_fresh")
		if err := writeResponse(s.client, entry.Status, entry.Proto, entry.Header, entry.Body); err != nil {
			return false, kindError{kindTransportError, err}
		}
		s.logger.Line(s.id, "Responding HTTP/%s %d", protoSuffix(entry.Proto), entry.Status)
		return shouldKeepAliveCached(req, entry), nil
	}

	s.logger.Line(s.id, "in cache, %s", httpcache.StalenessReason(entry, now))
	metrics.ObserveCacheResult("hit_stale")

	conn, k, err := dialUpstream(s.rt, hostport)
	if err != nil {
		s.logger.Line(s.id, "Error [%s]: %s", dialStage(k), err)
		return false, kindError{k, err}
	}
	defer conn.Close()

	condReq := httpcache.BuildConditionalRequest(req, entry)
	s.logger.Line(s.id, "Requesting %s %s HTTP/%s from %s", condReq.Method, req.RequestURI, protoString(req.ProtoMajor, req.ProtoMinor), hostport)

	start := time.Now()
	if werr := condReq.Write(conn); werr != nil {
		s.logger.Line(s.id, "Error [write-upstream]: %s", werr)
		return false, kindError{kindTransportError, werr}
	}

	resp, rerr := http.ReadResponse(bufio.NewReader(conn), condReq)
	if rerr != nil {
		switch k := classifyReadErr(rerr); k {
		case kindPeerClosed, kindPeerReset:
			return false, kindError{k, rerr}
		case kindTransportError:
			s.logger.Line(s.id, "Error [upstream-transport]: %s", rerr)
			return false, kindError{kindTransportError, rerr}
		default:
			s.logger.Line(s.id, "Error [upstream-parse]: %s", rerr)
			_ = writeBadRequest(s.client)
			return false, kindError{kindUpstreamParseFailure, rerr}
		}
	}
	body, berr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if berr != nil {
		s.logger.Line(s.id, "Error [upstream-read]: %s", berr)
		_ = writeBadRequest(s.client)
		return false, kindError{kindUpstreamParseFailure, berr}
	}
	s.logger.Line(s.id, "Received HTTP/%s %d from %s", protoString(resp.ProtoMajor, resp.ProtoMinor), resp.StatusCode, hostport)
	metrics.ObserveUpstreamResponse(condReq.Method, resp.StatusCode, time.Since(start))

	switch resp.StatusCode {
	case http.StatusNotModified:
		if werr := writeResponse(s.client, entry.Status, entry.Proto, entry.Header, entry.Body); werr != nil {
			return false, kindError{kindTransportError, werr}
		}
		s.logger.Line(s.id, "Responding HTTP/%s %d", protoSuffix(entry.Proto), entry.Status)
		return shouldKeepAlive(req, resp), nil

	case http.StatusOK:
		s.considerCaching(key, resp, body)
		if werr := writeResponse(s.client, resp.StatusCode, resp.Proto, resp.Header, body); werr != nil {
			return false, kindError{kindTransportError, werr}
		}
		s.logger.Line(s.id, "Responding HTTP/%s %d", protoString(resp.ProtoMajor, resp.ProtoMinor), resp.StatusCode)
		return shouldKeepAlive(req, resp), nil

	default:
		if werr := writeResponse(s.client, resp.StatusCode, resp.Proto, resp.Header, body); werr != nil {
			return false, kindError{kindTransportError, werr}
		}
		s.logger.Line(s.id, "Responding HTTP/%s %d", protoString(resp.ProtoMajor, resp.ProtoMinor), resp.StatusCode)
		return shouldKeepAlive(req, resp), nil
	}
}

func protoSuffix(proto string) string {
	if proto == "HTTP/1.0" {
		return "1.0"
	}
	return "1.1"
}

// shouldKeepAliveCached is shouldKeepAlive's counterpart for the
// fresh-hit path, which has no freshly-read *http.Response to consult:
// it applies the same close-token and HTTP/1.0-without-keep-alive
// rules against the cached entry's protocol and headers instead.
func shouldKeepAliveCached(req *http.Request, entry *httpcache.Entry) bool {
	if connectionHasToken(req.Header, "close") || connectionHasToken(entry.Header, "close") {
		return false
	}
	if entry.Proto == "HTTP/1.0" {
		return connectionHasToken(entry.Header, "keep-alive")
	}
	return true
}
