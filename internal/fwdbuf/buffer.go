// Package fwdbuf implements the fixed-capacity forward buffer that sits
// between a connection pair's two legs: one record's worth of data is
// received from one leg and must be fully drained to the other leg before
// the source leg is read again. That one-record-in-flight discipline is
// the engine's sole backpressure primitive.
package fwdbuf

import "github.com/pkg/errors"

// Capacity matches the original C proxy's BUF_SIZ (16348 bytes, not a round
// power of two - it was sized to leave headroom below a 16 KiB allocation
// once bookkeeping fields are accounted for).
const Capacity = 16348

// Transport is the narrow interface a leg (raw socket or framing codec)
// presents to a Buffer. Recv/Send follow the codec package's error
// conventions: nil on progress, io.EOF on orderly disconnect, any other
// error is fatal to the leg.
type Transport interface {
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
}

// Buffer is a fixed-capacity forward buffer. The zero value is not ready
// for use; call New.
//
// Invariant: 0 <= readPos <= size <= Capacity. When size == 0, readPos == 0.
type Buffer struct {
	data    [Capacity]byte
	size    int
	readPos int
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Empty reports whether the buffer holds no data (ready to Recv).
func (b *Buffer) Empty() bool {
	return b.size == 0
}

// Len reports how many unsent bytes remain buffered.
func (b *Buffer) Len() int {
	return b.size - b.readPos
}

// Recv performs exactly one call into the transport, filling the buffer
// from empty. Precondition: the buffer must be Empty(). On success, size
// holds the number of bytes the transport delivered. A non-nil, non-EOF
// error leaves the buffer's invariant intact but aborts the record; the
// caller must tear down the leg.
func (b *Buffer) Recv(t Transport) (int, error) {
	if b.readPos != 0 || b.size != 0 {
		panic("fwdbuf: Recv called on a non-empty buffer")
	}

	n, err := t.Recv(b.data[:])
	if n > 0 {
		b.size = n
	}
	return n, err
}

// Send drains the buffer to the transport, looping over short writes until
// the whole record has left the wire, then resets size/readPos to zero.
// Precondition: the buffer must hold unsent data (size > readPos).
func (b *Buffer) Send(t Transport) error {
	if b.size == 0 || b.readPos >= b.size {
		panic("fwdbuf: Send called on an empty buffer")
	}

	for b.readPos < b.size {
		n, err := t.Send(b.data[b.readPos:b.size])
		if n > 0 {
			b.readPos += n
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("fwdbuf: transport made no progress without reporting an error")
		}
	}

	b.readPos = 0
	b.size = 0
	return nil
}
