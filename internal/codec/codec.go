// Package codec implements the authenticated, length-prefixed framing that
// sits transparently under a forwarded byte stream: a Curve25519 keypair
// handshake followed by secretbox-style authenticated encryption of each
// record, built on golang.org/x/crypto/nacl/box (the equivalent of
// tweetnacl's crypto_box_beforenm/afternm that the original C proxy used).
package codec

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the width of a Curve25519 public or private key.
	KeySize = 32
	// NonceSize is the width of a per-record nonce.
	NonceSize = 24
	// MaxPlaintext is the largest plaintext payload carried by one record.
	MaxPlaintext = 4096
	// CryptoOverhead is the authentication overhead box.Seal adds per record.
	CryptoOverhead = box.Overhead
	// MaxCiphertext is the largest ciphertext payload of one record; it must
	// fit the 16-bit wire length field.
	MaxCiphertext = MaxPlaintext + CryptoOverhead

	headerLen = 2 + NonceSize
)

// ErrWantRead and ErrWantWrite report that a Handshake or Recv/Send call made
// no progress because the underlying transport would have blocked; the
// caller should retry after the transport becomes readable/writable again.
// A Codec driven over a plain blocking net.Conn never observes these, since
// a blocked Read/Write call already is the wait for readiness - they exist
// for callers (and tests) that drive the codec over a transport with
// deadlines.
var (
	ErrWantRead  = errors.New("codec: want read")
	ErrWantWrite = errors.New("codec: want write")
)

// CryptoError reports that authenticated decryption of a record failed, or
// that a record header declared a length above MaxCiphertext. It is always
// fatal to the leg; there is no retry.
type CryptoError struct {
	msg string
}

func (e *CryptoError) Error() string { return "codec: " + e.msg }

func newCryptoError(msg string) error { return &CryptoError{msg: msg} }

type recvPhase int

const (
	recvHeader recvPhase = iota
	recvCiphertext
	recvDrain
)

// Codec wraps a single leg's socket and turns it into a framed,
// authenticated byte stream. The zero value is not usable; use New.
type Codec struct {
	rw io.ReadWriter

	localPub  [KeySize]byte
	localPriv [KeySize]byte
	peerPub   [KeySize]byte
	shared    [KeySize]byte

	handshakeDone bool
	sentPub       int
	recvdPub      int

	// receive pipeline state (spec section 4.1 phases 1-4)
	rPhase  recvPhase
	hdr     [headerLen]byte
	hdrN    int
	ctLen   int
	ct      []byte
	ctN     int
	pt      []byte
	ptPos   int

	// send pipeline state
	wire        []byte
	wireN       int
	pendingSent int // plaintext length credited once wire is fully drained
}

// New generates a fresh ephemeral keypair and returns a Codec bound to rw.
// The keypair is generated with the OS CSPRNG (crypto/rand); failure to
// obtain randomness is fatal, matching spec section 4.1's CSPRNG contract.
func New(rw io.ReadWriter) (*Codec, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "codec: generate keypair")
	}
	return &Codec{rw: rw, localPub: *pub, localPriv: *priv}, nil
}

// Handshake performs the unframed 32-byte public key exchange and derives
// the precomputed shared key. It is resumable: a caller that observes
// ErrWantRead/ErrWantWrite may call Handshake again once the transport is
// ready, and progress already made is preserved. Any other error is fatal
// to the leg.
func (c *Codec) Handshake() error {
	if c.handshakeDone {
		return nil
	}

	for c.sentPub < KeySize {
		n, err := c.rw.Write(c.localPub[c.sentPub:])
		if n > 0 {
			c.sentPub += n
		}
		if err != nil {
			if isWouldBlock(err) {
				return ErrWantWrite
			}
			return errors.Wrap(err, "codec: send public key")
		}
	}

	for c.recvdPub < KeySize {
		n, err := c.rw.Read(c.peerPub[c.recvdPub:])
		if n > 0 {
			c.recvdPub += n
		}
		if err != nil {
			if n == 0 && err == io.EOF {
				return io.EOF
			}
			if isWouldBlock(err) {
				return ErrWantRead
			}
			return errors.Wrap(err, "codec: recv public key")
		}
	}

	box.Precompute(&c.shared, &c.peerPub, &c.localPriv)
	c.handshakeDone = true
	return nil
}

// Recv delivers up to len(p) bytes of plaintext into p, decoding and
// authenticating one wire record at a time. It returns io.EOF when a read
// from the underlying transport reaches end of stream with no bytes, in
// either the header or the ciphertext phase (a partially received record is
// discarded), and a *CryptoError if authentication of a complete record
// fails or its header declares an oversize length (fatal, no retry).
func (c *Codec) Recv(p []byte) (int, error) {
	if !c.handshakeDone {
		return 0, errors.New("codec: Recv before Handshake completed")
	}

	for {
		switch c.rPhase {
		case recvHeader:
			for c.hdrN < headerLen {
				n, err := c.rw.Read(c.hdr[c.hdrN:])
				if n > 0 {
					c.hdrN += n
				}
				if err != nil {
					if n == 0 && err == io.EOF {
						return 0, io.EOF
					}
					if isWouldBlock(err) {
						return 0, ErrWantRead
					}
					return 0, errors.Wrap(err, "codec: recv header")
				}
			}
			c.ctLen = int(binary.BigEndian.Uint16(c.hdr[:2]))
			if c.ctLen > MaxCiphertext {
				c.resetRecv()
				return 0, newCryptoError("record length exceeds maximum")
			}
			c.ct = make([]byte, c.ctLen)
			c.ctN = 0
			c.rPhase = recvCiphertext

		case recvCiphertext:
			for c.ctN < c.ctLen {
				n, err := c.rw.Read(c.ct[c.ctN:])
				if n > 0 {
					c.ctN += n
				}
				if err != nil {
					if n == 0 && err == io.EOF {
						return 0, io.EOF
					}
					if isWouldBlock(err) {
						return 0, ErrWantRead
					}
					return 0, errors.Wrap(err, "codec: recv ciphertext")
				}
			}

			var nonce [NonceSize]byte
			copy(nonce[:], c.hdr[2:])
			pt, ok := box.OpenAfterPrecomputation(nil, c.ct, &nonce, &c.shared)
			if !ok {
				c.resetRecv()
				return 0, newCryptoError("authenticated decryption failed")
			}
			c.pt = pt
			c.ptPos = 0
			c.rPhase = recvDrain

		case recvDrain:
			n := copy(p, c.pt[c.ptPos:])
			c.ptPos += n
			if c.ptPos >= len(c.pt) {
				c.resetRecv()
			}
			return n, nil
		}
	}
}

func (c *Codec) resetRecv() {
	c.hdrN = 0
	c.ct = nil
	c.ctN = 0
	c.ctLen = 0
	c.pt = nil
	c.ptPos = 0
	c.rPhase = recvHeader
}

// Send encrypts and frames up to MaxPlaintext bytes of p and writes the
// record to the wire. It credits the caller with bytes sent only once the
// whole record (header, nonce, ciphertext) has left the wire; a partial
// drain returns ErrWantWrite and the caller must call Send again (with the
// same, or any, argument - the in-flight record's content is already
// fixed) until it completes.
func (c *Codec) Send(p []byte) (int, error) {
	if !c.handshakeDone {
		return 0, errors.New("codec: Send before Handshake completed")
	}

	if c.wire == nil {
		if len(p) == 0 {
			return 0, nil
		}
		clamped := p
		if len(clamped) > MaxPlaintext {
			clamped = clamped[:MaxPlaintext]
		}

		var nonce [NonceSize]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return 0, errors.Wrap(err, "codec: draw nonce")
		}

		sealed := box.SealAfterPrecomputation(nil, clamped, &nonce, &c.shared)

		wire := make([]byte, headerLen+len(sealed))
		binary.BigEndian.PutUint16(wire[:2], uint16(len(sealed)))
		copy(wire[2:headerLen], nonce[:])
		copy(wire[headerLen:], sealed)

		c.wire = wire
		c.wireN = 0
		c.pendingSent = len(clamped)
	}

	for c.wireN < len(c.wire) {
		n, err := c.rw.Write(c.wire[c.wireN:])
		if n > 0 {
			c.wireN += n
		}
		if err != nil {
			if isWouldBlock(err) {
				return 0, ErrWantWrite
			}
			return 0, errors.Wrap(err, "codec: send record")
		}
	}

	sent := c.pendingSent
	c.wire = nil
	c.wireN = 0
	c.pendingSent = 0
	return sent, nil
}

func isWouldBlock(err error) bool {
	var ne net.Error
	if ok := errorsAsNetErr(err, &ne); ok {
		return ne.Timeout()
	}
	return false
}

// errorsAsNetErr is a narrow errors.As for net.Error, kept separate so the
// happy (non-blocking net.Conn) path never has to import errors.As for a
// type switch that almost never matches.
func errorsAsNetErr(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
