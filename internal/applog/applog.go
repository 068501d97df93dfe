// Package applog is the proxy's logging sink: a text file truncated at
// startup, one short global mutex guarding every write. Each line
// carries a session id prefix. The mutex serializes all sessions
// through one lock, acceptable for low-rate diagnostic use. An
// optional Loki pusher mirrors lines to a push endpoint best-effort.
package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NoID is the prefix used for listener-level events that have no
// session.
const NoID = "(no id)"

// Logger is the process-wide log sink. The zero value is not usable;
// construct with Open.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	loki *lokiPusher
}

// Open truncates (or creates) the file at path and returns a Logger
// writing to it. Parent directories are created as needed.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("applog: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("applog: open %s: %w", path, err)
	}
	return &Logger{file: f}, nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Line writes one "<id>: <message>" line, formatting message with
// fmt.Sprintf semantics. id should be a connection id rendered as a
// decimal string, or NoID.
func (l *Logger) Line(id, format string, args ...any) {
	l.Msg(id, fmt.Sprintf(format, args...))
}

// Msg writes one "<id>: <message>" line verbatim, with no format-verb
// interpretation — use this for messages already built by a helper
// (e.g. RequestLine) that may themselves contain literal '%' bytes
// from a request target.
func (l *Logger) Msg(id, msg string) {
	line := fmt.Sprintf("%s: %s\n", id, msg)

	l.mu.Lock()
	_, _ = l.file.WriteString(line)
	l.mu.Unlock()

	if l.loki != nil {
		l.loki.push(id, msg)
	}
}

// EnableLoki attaches a fire-and-forget Loki pusher built from cfg. A
// nil cfg or an empty URL attaches nothing and leaves the logger as it
// was.
func (l *Logger) EnableLoki(cfg *LokiConfig) {
	if cfg == nil || cfg.URL == "" {
		return
	}
	l.mu.Lock()
	l.loki = newLokiPusher(cfg)
	l.mu.Unlock()
}

// RequestLine renders the initial-request log line: method, target,
// protocol, client address and the GMT timestamp of arrival.
func RequestLine(method, target, proto, clientIP string, at time.Time) string {
	return fmt.Sprintf("%s %s HTTP/%s from %s @ %s", method, target, proto, clientIP, formatGMT(at))
}

func formatGMT(t time.Time) string {
	return t.UTC().Format("Mon, Jan _2 15:04:05 2006 GMT")
}
