// Package engine implements the connection-pair state machine: accept,
// pending-connect (handled implicitly by net.Dialer), handshake, forward,
// and half-close/teardown.
//
// This is the re-architecture described in SPEC_FULL.md section 0: the Go
// runtime netpoller already is the readiness multiplexer, and a goroutine
// blocked in Read/Write already is an fd registered for readiness with the
// kernel. Loop therefore does not maintain a fd table; it is the
// bookkeeping layer that tracks live pairs for capacity accounting and
// coordinated shutdown, while each pair's two legs run their own pump
// goroutines driven by ordinary blocking I/O.
package engine

import (
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/kevin-mckenzie/nacl-proxy/internal/codec"
)

// Side identifies which leg of a pair a pump goroutine is driving.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

func (s Side) String() string {
	if s == ClientSide {
		return "client"
	}
	return "server"
}

// Leg wraps one side's raw socket, optionally underneath a framing codec.
// It satisfies fwdbuf.Transport directly, delegating to the codec when the
// leg is encrypted and to the raw net.Conn otherwise - the codec's
// WANT_READ/WANT_WRITE contract only matters for non-blocking transports;
// over a plain blocking net.Conn those sentinels are never produced, so no
// translation layer is needed here.
type Leg struct {
	conn      net.Conn
	encrypted bool
	codec     *codec.Codec
}

// NewLeg wraps conn, generating a fresh ephemeral keypair for it if
// encrypted is set. The handshake itself is performed by Handshake, not
// here, so that the caller controls when the blocking key exchange happens.
func NewLeg(conn net.Conn, encrypted bool) (*Leg, error) {
	leg := &Leg{conn: conn, encrypted: encrypted}
	if encrypted {
		c, err := codec.New(conn)
		if err != nil {
			return nil, err
		}
		leg.codec = c
	}
	return leg, nil
}

// Handshake performs the codec's key exchange if this leg is encrypted; it
// is a no-op for cleartext legs.
func (l *Leg) Handshake() error {
	if !l.encrypted {
		return nil
	}
	return l.codec.Handshake()
}

// Recv implements fwdbuf.Transport.
func (l *Leg) Recv(p []byte) (int, error) {
	if l.encrypted {
		return l.codec.Recv(p)
	}
	return l.conn.Read(p)
}

// Send implements fwdbuf.Transport.
func (l *Leg) Send(p []byte) (int, error) {
	if l.encrypted {
		return l.codec.Send(p)
	}
	return l.conn.Write(p)
}

// Close closes the underlying connection. It tolerates being called more
// than once, mirroring the pair-level destruction contract (the spec's
// reference-counted custom_free tolerating repeat calls on one object):
// a Leg is closed by the opposite direction's pump when that pump exits,
// again by Pair.close, and possibly by Pair.ForceClose during shutdown.
func (l *Leg) Close() error {
	err := l.conn.Close()
	if err != nil && isAlreadyClosed(err) {
		return nil
	}
	return err
}

func isAlreadyClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
