package gocluster

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const otpAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// kdf parameters are part of the protocol version: both sides must derive
// the same session key from the same code.
const (
	kdfIterations = 100000
	sessionKeyLen = 32
)

var kdfSalt = []byte("gocluster_rpc_v1/pairing")

// DeriveSessionKey stretches a pairing code into the symmetric session
// key used by the secure channel.
func DeriveSessionKey(code string) []byte {
	return pbkdf2.Key([]byte(code), kdfSalt, kdfIterations, sessionKeyLen, sha256.New)
}

// Authenticator issues and validates one-time pairing codes. A code is
// valid for a single successful Verify before its expiry, whichever is
// reached first.
type Authenticator struct {
	mu        sync.Mutex
	code      string
	expiresAt time.Time
	consumed  bool

	length   int
	validity time.Duration
}

// NewAuthenticator creates an authenticator with the given code length
// and validity window; zero values fall back to the defaults.
func NewAuthenticator(length int, validity time.Duration) *Authenticator {
	if length <= 0 {
		length = DefaultOTPLength
	}
	if validity <= 0 {
		validity = DefaultOTPValidity
	}
	return &Authenticator{length: length, validity: validity}
}

// Issue generates a fresh pairing code, replacing any previous one, and
// returns it for out-of-band distribution to a worker operator.
func (a *Authenticator) Issue() (string, error) {
	code, err := randomCode(a.length)
	if err != nil {
		return "", fmt.Errorf("issue pairing code: %w", err)
	}

	a.mu.Lock()
	a.code = code
	a.expiresAt = time.Now().Add(a.validity)
	a.consumed = false
	a.mu.Unlock()

	return code, nil
}

// Verify checks a candidate against the live code. On success the code is
// invalidated and the derived session key is returned. Mismatch, expiry
// and reuse all fail with ErrAuthentication; the caller cannot tell which.
func (a *Authenticator) Verify(candidate string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	live := a.code != "" && !a.consumed && time.Now().Before(a.expiresAt)
	match := subtle.ConstantTimeCompare([]byte(candidate), []byte(a.code)) == 1
	if !live || !match {
		return nil, ErrAuthentication
	}

	a.consumed = true
	return DeriveSessionKey(candidate), nil
}

// Current returns the live pairing code, or "" when none is usable. For
// operator display only; validation stays in Verify.
func (a *Authenticator) Current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.code == "" || a.consumed || !time.Now().Before(a.expiresAt) {
		return ""
	}
	return a.code
}

// handshakeKey derives the session key for the currently issued code so
// the host can attempt to open an incoming auth frame. It never consumes
// the code; Verify does the actual validation.
func (a *Authenticator) handshakeKey() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return DeriveSessionKey(a.code)
}

func randomCode(length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			c, ok := otpChar(b)
			if !ok {
				continue
			}
			out = append(out, c)
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// otpChar maps a random byte to an alphabet character. Bytes at or above
// the largest multiple of the alphabet size are rejected, keeping every
// character equally likely.
func otpChar(b byte) (byte, bool) {
	const limit = 256 - 256%len(otpAlphabet)
	if int(b) >= limit {
		return 0, false
	}
	return otpAlphabet[int(b)%len(otpAlphabet)], true
}
