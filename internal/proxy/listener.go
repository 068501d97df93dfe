package proxy

import (
	"errors"
	"net"
	"strconv"

	"github.com/relaycache/proxy/internal/applog"
)

// Listener is the bound acceptor. nextID is a plain counter, only ever
// touched from the accept loop goroutine, so no atomic is needed. Each
// accepted socket becomes a new session dispatched onto the shared
// Runtime.
type Listener struct {
	ln      net.Listener
	runtime *Runtime
	logger  *applog.Logger
	nextID  uint64
}

// Listen binds addr and returns a Listener ready to Run. Go's TCP
// listener already sets SO_REUSEADDR on unix platforms.
func Listen(addr string, rt *Runtime, logger *applog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, runtime: rt, logger: logger}, nil
}

// Addr returns the bound network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Run is the accept loop: for each accepted client socket it builds a
// Session with a fresh monotonically increasing id, hands it to the
// shared Runtime to run on its own goroutine, then re-arms accept. It returns
// once the underlying listener is closed.
func (l *Listener) Run() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Line(applog.NoID, "Error [accept]: %s", err)
			continue
		}

		id := l.nextID
		l.nextID++
		idStr := strconv.FormatUint(id, 10)

		sess := newSession(idStr, conn, l.runtime, l.logger)
		l.runtime.Spawn(sess.run)
	}
}
