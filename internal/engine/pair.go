package engine

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/pkg/errors"

	"github.com/kevin-mckenzie/nacl-proxy/internal/fwdbuf"
	"github.com/kevin-mckenzie/nacl-proxy/internal/netutil"
)

// PairMetrics mirrors the teacher's leafMetric/targetMetric: a handful of
// microsecond timestamps and byte counters, logged as one JSON line when
// the pair tears down. Not part of the original C source - carried
// forward because it is genuinely present in the teacher's behavior and
// excluded by no Non-goal (SPEC_FULL.md section 3).
type PairMetrics struct {
	ID                   uint64
	Client               string
	Server               string
	Created              int64
	Connected            int64
	FirstByteClientToSrv int64
	FirstByteSrvToClient int64
	LastByte             int64
	BytesClientToServer  int
	BytesServerToClient  int
	Closed               int64
}

func nowMicros() int64 { return time.Now().UnixNano() / 1000 }

// Config carries the per-listener settings that apply to every pair it
// accepts: whether the client-facing and/or server-facing leg is
// encrypted, and the upstream address to dial.
type Config struct {
	ClientEncrypted bool
	ServerEncrypted bool
	UpstreamAddr    string
	PreferIPv4      bool
}

// Pair owns one accepted client connection, its dialed upstream
// connection, and the two forward buffers shuttling bytes between them. It
// is the engine's unit of teardown: both legs are always closed together,
// since this proxy never propagates half-close (SPEC_FULL.md section 0 /
// spec Non-goals).
type Pair struct {
	id     uint64
	cfg    *Config
	client *Leg

	legMu  sync.Mutex // guards server, set once the upstream dial completes
	server *Leg

	metric   PairMetrics
	metricMu sync.Mutex
}

// newPair wraps an already-accepted client connection. The server leg is
// not dialed yet; that happens in Run, matching the "pending-connect"
// phase of the state machine.
func newPair(id uint64, cfg *Config, clientConn net.Conn) (*Pair, error) {
	clientLeg, err := NewLeg(clientConn, cfg.ClientEncrypted)
	if err != nil {
		return nil, errors.Wrap(err, "engine: wrap client leg")
	}
	p := &Pair{
		id:     id,
		cfg:    cfg,
		client: clientLeg,
		metric: PairMetrics{
			ID:      id,
			Client:  clientConn.RemoteAddr().String(),
			Server:  cfg.UpstreamAddr,
			Created: nowMicros(),
		},
	}
	return p, nil
}

// Run drives the pair through pending-connect, optional handshake, and
// forwarding, until either leg disconnects or errors, then tears both legs
// down. It blocks until the pair is fully torn down.
func (p *Pair) Run(ctx context.Context) {
	defer p.close(ctx)

	serverConn, err := netutil.DialUpstream(ctx, p.cfg.UpstreamAddr, p.cfg.PreferIPv4)
	if err != nil {
		ctxlog.Errorf(ctx, "dial upstream: %v", err)
		return
	}
	p.metric.Connected = nowMicros()

	serverLeg, err := NewLeg(serverConn, p.cfg.ServerEncrypted)
	if err != nil {
		ctxlog.Errorf(ctx, "wrap server leg: %v", err)
		safeCloseConn(ctx, serverConn)
		return
	}
	p.legMu.Lock()
	p.server = serverLeg
	p.legMu.Unlock()

	if err := p.handshakeLegs(ctx); err != nil {
		ctxlog.Errorf(ctx, "handshake: %v", err)
		return
	}

	p.forward(ctx)
}

// handshakeLegs runs the key exchange on whichever legs are encrypted,
// concurrently, since each leg's handshake blocks on an independent
// socket. A failure on either leg is fatal to the pair (spec section 4.5,
// "Handshake: ERR -> destroy pair").
func (p *Pair) handshakeLegs(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	for _, leg := range []*Leg{p.client, p.server} {
		wg.Add(1)
		go func(l *Leg) {
			defer wg.Done()
			if err := l.Handshake(); err != nil {
				errs <- err
			}
		}(leg)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// forward runs the two directional pumps and waits for both to finish. A
// pump exits when its source leg disconnects or errors, or when its
// destination leg's Send fails (which happens once the peer pump has
// closed that leg). Each pump closes the opposite leg as it exits, which is
// what unblocks the other pump's blocking Recv on that leg; p.close runs
// only after both pumps have returned.
func (p *Pair) forward(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := p.pumpDirection(p.client, p.server, ClientSide)
		if err != nil && !isOrdinaryTeardown(err) {
			ctxlog.Debugf(ctx, "client->server pump: %v", err)
		}
		// Unblock the peer leg's blocking Read/Write immediately rather
		// than waiting for the other pump to notice on its own.
		_ = p.server.Close()
	}()

	go func() {
		defer wg.Done()
		err := p.pumpDirection(p.server, p.client, ServerSide)
		if err != nil && !isOrdinaryTeardown(err) {
			ctxlog.Debugf(ctx, "server->client pump: %v", err)
		}
		_ = p.client.Close()
	}()

	wg.Wait()
}

// pumpDirection relays one direction through a single forward buffer,
// enforcing the one-record-in-flight backpressure discipline: the buffer
// is never refilled until it has been fully drained to dst. On a read
// error or EOF, any bytes already buffered are still flushed to dst before
// the pump returns - this is what satisfies the "flush buffered data
// before teardown" half-close behavior (spec section 8, scenario 4).
func (p *Pair) pumpDirection(src, dst *Leg, side Side) error {
	buf := fwdbuf.New()
	for {
		n, recvErr := buf.Recv(src)
		if n > 0 {
			p.recordBytes(side, n)
			if sendErr := buf.Send(dst); sendErr != nil {
				return sendErr
			}
		}
		if recvErr != nil {
			return recvErr
		}
	}
}

func (p *Pair) recordBytes(side Side, n int) {
	p.metricMu.Lock()
	defer p.metricMu.Unlock()

	now := nowMicros()
	p.metric.LastByte = now
	if side == ClientSide {
		if p.metric.FirstByteClientToSrv == 0 {
			p.metric.FirstByteClientToSrv = now
		}
		p.metric.BytesClientToServer += n
	} else {
		if p.metric.FirstByteSrvToClient == 0 {
			p.metric.FirstByteSrvToClient = now
		}
		p.metric.BytesServerToClient += n
	}
}

// ForceClose closes both legs immediately, regardless of forwarding state.
// Loop.Shutdown calls this on every live pair so that a pump goroutine
// parked in a blocking Recv/Send with no deadline is unblocked promptly,
// per spec section 5's shutdown contract ("the teardown routine closes all
// outstanding fds and frees all connection pairs") - natural EOF from the
// traffic itself is not enough to guarantee that on an open, idle
// connection.
func (p *Pair) ForceClose(ctx context.Context) {
	p.legMu.Lock()
	server := p.server
	p.legMu.Unlock()

	safeCloseLeg(ctx, p.client)
	safeCloseLeg(ctx, server)
}

func (p *Pair) close(ctx context.Context) {
	p.legMu.Lock()
	server := p.server
	p.legMu.Unlock()

	safeCloseLeg(ctx, p.client)
	safeCloseLeg(ctx, server)

	p.metricMu.Lock()
	p.metric.Closed = nowMicros()
	metric := p.metric
	p.metricMu.Unlock()

	if encoded, err := json.Marshal(metric); err == nil {
		ctxlog.Debugf(ctx, "METRIC %s", string(encoded))
	}
}

func safeCloseLeg(ctx context.Context, l *Leg) {
	if l == nil {
		return
	}
	if err := l.Close(); err != nil {
		ctxlog.Errorf(ctx, "close: %v", err)
	}
}

func safeCloseConn(ctx context.Context, c net.Conn) {
	if err := c.Close(); err != nil {
		ctxlog.Errorf(ctx, "close: %v", err)
	}
}

// isOrdinaryTeardown reports whether err is just the expected result of the
// peer leg closing the connection out from under us - not worth logging at
// more than debug level, since both legs closing is the normal end of a
// forwarded connection, not a fault.
func isOrdinaryTeardown(err error) bool {
	if err == nil || err == io.EOF {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
