// Package httpcache implements the cache policy for the proxy's
// response cache: cacheability classification, expiry computation,
// freshness checks and conditional-request construction. It is not a
// general RFC 7234 cache (no Vary, no heuristic freshness, no warning
// headers); only no-cache, no-store, private, max-age, s-maxage,
// Expires, ETag and Last-Modified are interpreted.
//
// Entries are keyed by request target only, not (Host, target), so two
// origins sharing a path collide. Known limitation.
package httpcache

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Entry is the stored unit: a response plus the UTC epoch second at
// which it stops being fresh. Entries are immutable once stored; a
// refresh replaces the entry wholesale.
type Entry struct {
	Status     int
	Proto      string
	Header     http.Header
	Body       []byte
	ExpiryUnix int64
}

// directiveRe matches a cache-control token of the shape key or
// key=digits (optionally quoted). Non-numeric values are dropped so
// the expiry rules fall through to the next source.
var directiveRe = regexp.MustCompile(`([a-zA-Z-]+)(?:=("?)(-?\d+)"?)?`)

func parseCacheControl(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, line := range h.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			m := directiveRe.FindStringSubmatch(strings.TrimSpace(part))
			if m == nil {
				continue
			}
			key := strings.ToLower(m[1])
			out[key] = m[3]
		}
	}
	return out
}

// Cacheable reports whether resp may be stored, and if not, the reason
// string for the "not cacheable because <REASON>" log line.
func Cacheable(resp *http.Response) (ok bool, reason string) {
	cc := parseCacheControl(resp.Header)
	if _, present := cc["private"]; present {
		return false, "private"
	}
	if _, present := cc["no-store"]; present {
		return false, "no-store"
	}
	if len(cc) == 0 {
		if _, err := parseHTTPDate(resp.Header.Get("Expires")); err != nil {
			return false, "no Cache-Control and no valid Expires"
		}
	}
	return true, ""
}

// Expiry computes the UTC epoch second at which resp stops being
// fresh, following the precedence s-maxage > max-age > Expires.
func Expiry(resp *http.Response, now time.Time) (int64, bool) {
	cc := parseCacheControl(resp.Header)

	if raw, present := cc["s-maxage"]; present {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return now.Unix() + n, true
		}
	}
	if raw, present := cc["max-age"]; present {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return now.Unix() + n, true
		}
	}
	if t, err := parseHTTPDate(resp.Header.Get("Expires")); err == nil {
		return t.Unix(), true
	}
	return 0, false
}

// NeedsRevalidation reports whether a cached entry must be revalidated
// before being served: either it declares no-cache, or it has expired.
func NeedsRevalidation(e *Entry, now time.Time) bool {
	cc := parseCacheControl(e.Header)
	if _, present := cc["no-cache"]; present {
		return true
	}
	return now.Unix() > e.ExpiryUnix
}

// StalenessReason renders the "requires validation" vs "but expired at
// <date>" distinction for the cache-hit log line. Call only when
// NeedsRevalidation is true.
func StalenessReason(e *Entry, now time.Time) string {
	cc := parseCacheControl(e.Header)
	if _, present := cc["no-cache"]; present {
		return "requires validation"
	}
	return "but expired at " + FormatHTTPDate(time.Unix(e.ExpiryUnix, 0))
}

// BuildConditionalRequest derives a revalidation request from the
// original request and the cached entry, setting If-None-Match from
// the entry's ETag and If-Modified-Since from its Last-Modified.
func BuildConditionalRequest(orig *http.Request, e *Entry) *http.Request {
	req := orig.Clone(orig.Context())
	if etag := e.Header.Get("ETag"); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lm := e.Header.Get("Last-Modified"); lm != "" {
		req.Header.Set("If-Modified-Since", lm)
	}
	return req
}

// httpDateFormat is the log timestamp layout, asctime-style with a
// space-padded day-of-month and a literal GMT zone.
const httpDateFormat = "Mon, Jan _2 15:04:05 2006 GMT"

// FormatHTTPDate renders t, converted to UTC, in the log timestamp
// format.
func FormatHTTPDate(t time.Time) string {
	return t.UTC().Format(httpDateFormat)
}

// parseHTTPDate parses an HTTP-date header value, tolerating both GMT
// and UTC zone tokens and never depending on the host's local zone.
func parseHTTPDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errEmptyDate
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.UTC(), nil
	}
	// http.ParseTime already tries RFC1123/RFC850/ANSIC with GMT; also
	// accept a literal UTC zone token for the same layouts.
	for _, layout := range []string{
		"Mon, 02 Jan 2006 15:04:05 UTC",
		"Monday, 02-Jan-06 15:04:05 UTC",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errBadDate
}

type dateError string

func (e dateError) Error() string { return string(e) }

const (
	errEmptyDate = dateError("empty date header")
	errBadDate   = dateError("unparseable http-date")
)
