package gocluster

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Frame layout (protocol gocluster_rpc_v1):
//
//	[4-byte big-endian length][nonce || ciphertext]
//
// where ciphertext is the ChaCha20-Poly1305 sealing of one msgpack
// envelope under the session key, with a random per-frame nonce. The
// length covers nonce plus ciphertext. Frame length is capped at the
// envelope size limit plus sealing overhead.
const maxFrameSize = maxEnvelopeSize + chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// SecureChannel encrypts and frames traffic over a raw duplex stream.
// Writes are serialized; a single reader goroutine is assumed. Any
// decryption or framing failure is fatal: the channel is closed rather
// than resynchronized.
type SecureChannel struct {
	conn    net.Conn
	aead    cipher.AEAD
	writeMu sync.Mutex
	header  [4]byte
}

// NewSecureChannel wraps conn with the session key produced by the
// pairing handshake. The key must be sessionKeyLen bytes.
func NewSecureChannel(conn net.Conn, key []byte) (*SecureChannel, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: session key: %v", ErrProtocol, err)
	}
	return &SecureChannel{conn: conn, aead: aead}, nil
}

// Send seals and writes one payload as a single frame.
func (sc *SecureChannel) Send(payload []byte) error {
	if len(payload) > maxEnvelopeSize {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrSerialization, len(payload), maxEnvelopeSize)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(payload)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: nonce: %v", ErrNetwork, err)
	}
	sealed := sc.aead.Seal(nonce, nonce, payload, nil)

	buf := make([]byte, 4+len(sealed))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(sealed)))
	copy(buf[4:], sealed)

	sc.writeMu.Lock()
	_, err := sc.conn.Write(buf)
	sc.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write: %v", ErrNetwork, err)
	}
	return nil
}

// SendEnvelope packs and sends one envelope.
func (sc *SecureChannel) SendEnvelope(env *Envelope) error {
	data, err := env.Pack()
	if err != nil {
		return err
	}
	return sc.Send(data)
}

// Receive reads and opens one frame. It returns ErrNetwork when the
// underlying stream closes and ErrProtocol on truncated, oversized or
// undecryptable frames.
func (sc *SecureChannel) Receive() ([]byte, error) {
	if _, err := io.ReadFull(sc.conn, sc.header[:]); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrNetwork, err)
	}

	frameLen := binary.BigEndian.Uint32(sc.header[:])
	if frameLen == 0 || frameLen > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d out of range", ErrProtocol, frameLen)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(sc.conn, frame); err != nil {
		return nil, fmt.Errorf("%w: truncated frame: %v", ErrProtocol, err)
	}
	if len(frame) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: frame too short", ErrProtocol)
	}

	nonce, ciphertext := frame[:chacha20poly1305.NonceSize], frame[chacha20poly1305.NonceSize:]
	payload, err := sc.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrProtocol, err)
	}
	return payload, nil
}

// ReceiveEnvelope reads and unpacks one envelope.
func (sc *SecureChannel) ReceiveEnvelope() (*Envelope, error) {
	payload, err := sc.Receive()
	if err != nil {
		return nil, err
	}
	return Unpack(payload)
}

// Close tears down the underlying stream.
func (sc *SecureChannel) Close() error {
	return sc.conn.Close()
}

// RemoteAddr reports the peer address.
func (sc *SecureChannel) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
