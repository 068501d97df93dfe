// Package proxy implements the caching forward proxy core: the
// Listener/Runtime dispatch pair and the per-connection Session state
// machine with its three submachines (HTTPS tunnel, HTTP forward,
// cached HTTP forward).
package proxy

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaycache/proxy/internal/applog"
	"github.com/relaycache/proxy/internal/httpcache"
	"github.com/relaycache/proxy/internal/lrucache"
	"github.com/relaycache/proxy/internal/metrics"
)

// Runtime is the shared execution context for all sessions. Sessions
// are goroutines multiplexed onto Go's netpoller; nothing caps how
// many may be open at once, since a CONNECT tunnel or a keep-alive GET
// loop legitimately stays alive for the life of a connection. Only the
// short-lived dial step (resolve+connect) is admission-controlled,
// bounded to a fixed number of concurrent dials. Runtime also owns the
// response cache singleton.
type Runtime struct {
	Cache       *lrucache.Cache[string, *httpcache.Entry]
	Logger      *applog.Logger
	DialTimeout time.Duration

	dialSem chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRuntime constructs a Runtime that admits at most dialConcurrency
// concurrent upstream dials and owns a cache of the given capacity.
func NewRuntime(dialConcurrency, cacheCapacity int, logger *applog.Logger, dialTimeout time.Duration) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		Cache:       lrucache.New[string, *httpcache.Entry](cacheCapacity),
		Logger:      logger,
		DialTimeout: dialTimeout,
		dialSem:     make(chan struct{}, dialConcurrency),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Context is cancelled once orderly shutdown has been requested;
// sessions observe it between requests and abandon the connection.
func (r *Runtime) Context() context.Context { return r.ctx }

// Spawn runs fn as a session goroutine. Unlike the dial admission
// control below, this never blocks the caller (the listener's accept
// loop): the whole point of goroutine-per-connection over Go's
// netpoller is that accepting a new client never waits on an existing
// one's lifetime. It is a no-op if the runtime is already shutting
// down.
func (r *Runtime) Spawn(fn func()) {
	select {
	case <-r.ctx.Done():
		return
	default:
	}
	r.wg.Add(1)
	metrics.WorkerPoolInflightInc()
	go func() {
		defer func() {
			metrics.WorkerPoolInflightDec()
			r.wg.Done()
		}()
		fn()
	}()
}

// acquireDialSlot blocks until a dial admission slot is free or ctx is
// done, whichever comes first. The slot is released by the returned
// function immediately once Resolve+Connect completes — not held for
// the life of the resulting connection.
func (r *Runtime) acquireDialSlot(ctx context.Context) (release func(), err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r.dialSem <- struct{}{}:
		return func() { <-r.dialSem }, nil
	}
}

// WaitForSignal blocks until SIGINT, SIGTERM or SIGHUP arrives, then
// cancels the runtime context and waits for in-flight sessions to
// observe cancellation and release their sockets.
func (r *Runtime) WaitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	<-ch
	r.Shutdown()
}

// Shutdown requests orderly termination and waits for in-flight
// sessions to finish.
func (r *Runtime) Shutdown() {
	r.cancel()
	r.wg.Wait()
}
