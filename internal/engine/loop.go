package engine

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/account-login/ctxlog"

	"github.com/kevin-mckenzie/nacl-proxy/internal/netutil"
)

// Loop is the bookkeeping layer the spec's "Event loop" component keeps:
// a registry of live pairs and the accept goroutine that feeds it. There
// is no fd table here, because the Go runtime netpoller already fills
// that role (SPEC_FULL.md section 0); what remains for Loop to own is
// capacity accounting and coordinated shutdown.
type Loop struct {
	cfg *Config
	ln  net.Listener

	mu      sync.Mutex
	pairs   map[uint64]*Pair
	nextID  uint64
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewLoop binds addr and returns a Loop ready to Run. It is separate from
// Run so a caller can observe the bound address (e.g. when addr specifies
// port 0) before accepting.
func NewLoop(addr string, cfg *Config) (*Loop, error) {
	ln, err := listenerFor(addr)
	if err != nil {
		return nil, err
	}
	return &Loop{cfg: cfg, ln: ln, pairs: make(map[uint64]*Pair)}, nil
}

// Addr returns the bound listening address.
func (l *Loop) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until ctx is cancelled or the listener fails
// fatally, spawning one Pair per accepted client and running it to
// completion on its own goroutine. It blocks until shutdown is complete.
//
// Per spec section 4.5's fatal/recoverable split: a transient accept
// error (the source's intended ECONNABORTED / EAGAIN / EWOULDBLOCK check,
// which DESIGN.md's "Open Questions resolved" notes was written as an
// always-false logical AND and is implemented here as OR) drops that one accept and
// keeps listening; anything else on the listener fd is fatal and ends Run.
func (l *Loop) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Shutdown()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closing.Load() {
				l.wg.Wait()
				return nil
			}
			if isTransientAcceptError(err) {
				ctxlog.Warnf(ctx, "accept: %v (transient, continuing)", err)
				continue
			}
			ctxlog.Errorf(ctx, "accept: %v (fatal)", err)
			l.wg.Wait()
			return err
		}

		l.mu.Lock()
		l.nextID++
		id := l.nextID
		l.mu.Unlock()

		pairCtx := ctxlog.Pushf(ctx, "[pair:%d][client:%v]", id, conn.RemoteAddr())
		pair, err := newPair(id, l.cfg, conn)
		if err != nil {
			ctxlog.Errorf(pairCtx, "create pair: %v", err)
			_ = conn.Close()
			continue
		}

		l.register(id, pair)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.unregister(id)
			pair.Run(pairCtx)
		}()
	}
}

// Shutdown stops accepting new connections, closes the listener, and force
// -closes every live pair's legs. Forcing the legs closed (rather than
// waiting for traffic to produce a natural EOF) is required: a pump
// goroutine parked in a blocking Recv/Send on an open, idle connection has
// no deadline and would otherwise never return, which would leave Run's
// wg.Wait() blocked forever on SIGTERM/SIGINT. Matches spec section 5's
// shutdown contract ("the teardown routine closes all outstanding fds and
// frees all connection pairs") and section 8 scenario 6 ("send SIGTERM.
// Within one loop timeout, process exits 0").
func (l *Loop) Shutdown() {
	if l.closing.CompareAndSwap(false, true) {
		_ = l.ln.Close()
		l.forceCloseAllPairs()
	}
}

func (l *Loop) forceCloseAllPairs() {
	l.mu.Lock()
	pairs := make([]*Pair, 0, len(l.pairs))
	for _, p := range l.pairs {
		pairs = append(pairs, p)
	}
	l.mu.Unlock()

	for _, p := range pairs {
		p.ForceClose(context.Background())
	}
}

// PairCount reports the number of live pairs, for tests and diagnostics. A
// pair is counted from the moment it is accepted (before its upstream dial)
// until its Run returns.
func (l *Loop) PairCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pairs)
}

func (l *Loop) register(id uint64, p *Pair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pairs[id] = p
}

func (l *Loop) unregister(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pairs, id)
}

func listenerFor(addr string) (net.Listener, error) {
	return netutil.Listen("tcp", addr)
}

// isTransientAcceptError matches the original's intended condition - the
// source compared ECONNABORTED / EAGAIN / EWOULDBLOCK with logical AND,
// which can never be true; DESIGN.md records the fix as OR.
// Go's accept loop surfaces these as a *net.OpError wrapping the errno, so
// both the specific errnos and the generic Timeout() signal are checked;
// Temporary() is not consulted.
func isTransientAcceptError(err error) bool {
	if errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
