package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/relaycache/proxy/internal/httpcache"
	"github.com/relaycache/proxy/internal/metrics"
)

// runForward implements the HttpForward submachine for POST and
// cache-missed GET: forward the request with its headers as received
// (Request.Write writes the request line in origin form and adds Go's
// default User-Agent when the client sent none), read one response,
// optionally cache it (GET only), relay it to the client, and report
// whether the client socket should loop back to AwaitInitialRequest.
func (s *session) runForward(req *http.Request, upstream net.Conn, hostport string) (bool, error) {
	s.logger.Line(s.id, "Requesting %s %s HTTP/%s from %s", req.Method, req.RequestURI, protoString(req.ProtoMajor, req.ProtoMinor), hostport)

	start := time.Now()
	if err := req.Write(upstream); err != nil {
		s.logger.Line(s.id, "Error [write-upstream]: %s", err)
		return false, kindError{kindTransportError, err}
	}

	upstreamReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		switch k := classifyReadErr(err); k {
		case kindPeerClosed, kindPeerReset:
			return false, kindError{k, err}
		case kindTransportError:
			s.logger.Line(s.id, "Error [upstream-transport]: %s", err)
			return false, kindError{kindTransportError, err}
		default:
			s.logger.Line(s.id, "Error [upstream-parse]: %s", err)
			_ = writeBadRequest(s.client)
			return false, kindError{kindUpstreamParseFailure, err}
		}
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		s.logger.Line(s.id, "Error [upstream-read]: %s", err)
		_ = writeBadRequest(s.client)
		return false, kindError{kindUpstreamParseFailure, err}
	}

	s.logger.Line(s.id, "Received HTTP/%s %d from %s", protoString(resp.ProtoMajor, resp.ProtoMinor), resp.StatusCode, hostport)
	metrics.ObserveUpstreamResponse(req.Method, resp.StatusCode, time.Since(start))

	if req.Method == http.MethodGet {
		s.considerCaching(req.RequestURI, resp, body)
	}

	if werr := writeResponse(s.client, resp.StatusCode, resp.Proto, resp.Header, body); werr != nil {
		return false, kindError{kindTransportError, werr}
	}
	s.logger.Line(s.id, "Responding HTTP/%s %d", protoString(resp.ProtoMajor, resp.ProtoMinor), resp.StatusCode)

	return shouldKeepAlive(req, resp), nil
}

// considerCaching classifies resp for storage and, if cacheable,
// stores it under key, logging the cache NOTE lines.
func (s *session) considerCaching(key string, resp *http.Response, body []byte) {
	ok, reason := httpcache.Cacheable(resp)
	if !ok {
		s.logger.Line(s.id, "not cacheable because %s", reason)
		return
	}
	expiry, hasExpiry := httpcache.Expiry(resp, time.Now())
	if !hasExpiry {
		s.logger.Line(s.id, "not cacheable because no computable expiry")
		return
	}

	entry := &httpcache.Entry{
		Status:     resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header.Clone(),
		Body:       append([]byte(nil), body...),
		ExpiryUnix: expiry,
	}
	_, evictedKey, evicted := s.rt.Cache.Store(key, entry)
	metrics.CacheSizeSet(s.rt.Cache.Len())
	s.logger.Line(s.id, "NOTE cache the response")
	if evicted {
		metrics.CacheEvictionInc()
		s.logger.Line(s.id, "NOTE evicted %s", evictedKey)
	}
}

// shouldKeepAlive reports whether the forward loop may re-read from
// the client after this exchange. It is false when either side
// declared Connection: close, or when the response is HTTP/1.0 without
// an explicit Connection: keep-alive.
func shouldKeepAlive(req *http.Request, resp *http.Response) bool {
	if connectionHasToken(req.Header, "close") || connectionHasToken(resp.Header, "close") {
		return false
	}
	if resp.ProtoMajor == 1 && resp.ProtoMinor == 0 {
		return connectionHasToken(resp.Header, "keep-alive")
	}
	return true
}

func connectionHasToken(h http.Header, token string) bool {
	for _, v := range h.Values("Connection") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
