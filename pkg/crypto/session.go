package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrAuthentication      = errors.New("message authentication failed")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrInvalidSessionKey   = errors.New("invalid session key")
)

const (
	// RandomSize is the length of client and server randoms before hex encoding.
	RandomSize = 32

	// SessionKeySize is the derived AES-256 key length.
	SessionKeySize = 32

	// NonceSize and TagSize describe the sealed payload layout.
	NonceSize = 12
	TagSize   = 16

	// SessionKeyInfo is the HKDF info label.
	SessionKeyInfo = "tls13 derived"
)

// CryptoError wraps a failure of a cryptographic operation.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// IsCryptoError reports whether err is or wraps a *CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

// GenerateNonce generates size random bytes
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// NewRandom returns a hex encoded handshake random.
func NewRandom() (string, error) {
	b, err := GenerateNonce(RandomSize)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeriveSessionKey runs HKDF-SHA256 over the premaster secret, salted with
// the raw client and server randoms.
func DeriveSessionKey(premaster []byte, clientRandom, serverRandom string) ([]byte, error) {
	cr, err := hex.DecodeString(clientRandom)
	if err != nil {
		return nil, &CryptoError{Op: "derive session key", Err: fmt.Errorf("client random: %w", err)}
	}
	sr, err := hex.DecodeString(serverRandom)
	if err != nil {
		return nil, &CryptoError{Op: "derive session key", Err: fmt.Errorf("server random: %w", err)}
	}

	salt := make([]byte, 0, len(cr)+len(sr))
	salt = append(salt, cr...)
	salt = append(salt, sr...)

	key := make([]byte, SessionKeySize)
	r := hkdf.New(sha256.New, premaster, salt, []byte(SessionKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, &CryptoError{Op: "derive session key", Err: err}
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSessionKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with AES-256-GCM under a fresh nonce and returns
// base64(nonce || tag || ciphertext).
func Seal(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", &CryptoError{Op: "seal", Err: err}
	}

	nonce, err := GenerateNonce(NonceSize)
	if err != nil {
		return "", &CryptoError{Op: "seal", Err: err}
	}

	// gcm.Seal appends the tag after the ciphertext.
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. A tag mismatch fails with ErrAuthentication; input
// that cannot be a sealed payload fails with ErrMalformedCiphertext.
func Open(key []byte, encoded string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", &CryptoError{Op: "open", Err: err}
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &CryptoError{Op: "open", Err: fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)}
	}
	if len(data) < NonceSize+TagSize {
		return "", &CryptoError{Op: "open", Err: fmt.Errorf("%w: %d bytes", ErrMalformedCiphertext, len(data))}
	}

	nonce := data[:NonceSize]
	tag := data[NonceSize : NonceSize+TagSize]
	ct := data[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CryptoError{Op: "open", Err: ErrAuthentication}
	}
	return string(plaintext), nil
}
