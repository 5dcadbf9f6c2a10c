// Package crypto provides the cryptographic primitives used by keyrecover.
//
// Keys are stretched from passcodes with Argon2id and split into purpose
// keys with HKDF-SHA256. Payloads are sealed with AES-256-GCM; the nonce is
// prepended to the ciphertext so a sealed blob is self-contained.
//
// # Example Usage
//
//	params := crypto.DefaultArgon2Params()
//	stretched := crypto.DeriveKeyWithParams([]byte("passcode"), salt, params, 64)
//	master, _ := crypto.ExpandKey(stretched, "keyrecover-master", crypto.KeyLength)
//
//	blob, err := crypto.Seal(master, plaintext, nil)
//	plaintext, err := crypto.Open(master, blob, nil)
//
//	crypto.SecureWipe(stretched)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// MACLength is the length of an HMAC-SHA256 tag in bytes.
	MACLength = sha256.Size
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the sealed blob cannot hold a nonce and a GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// Argon2Params are the cost factors handed to Argon2id.
type Argon2Params struct {
	Time      uint32 // iterations
	MemoryKiB uint32 // memory cost in KiB
	Threads   uint8  // parallelism
}

// DefaultArgon2Params returns the OWASP-recommended cost factors.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:      Argon2Time,
		MemoryKiB: Argon2Memory,
		Threads:   Argon2Threads,
	}
}

// DeriveKeyWithParams stretches password with Argon2id using explicit cost
// factors and returns keyLen bytes. The same inputs always yield the same
// output.
func DeriveKeyWithParams(password, salt []byte, p Argon2Params, keyLen uint32) []byte {
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, keyLen)
}

// ExpandKey derives a purpose-bound subkey from secret using HKDF-SHA256.
// Distinct info labels give independent keys from the same secret.
func ExpandKey(secret []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: failed to expand key: %w", err)
	}
	return out, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with AES-256-GCM under key and returns
// nonce || ciphertext || tag. aad is authenticated but not encrypted and may
// be nil.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := RandomBytes(NonceLength)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceLength+len(plaintext)+gcm.Overhead())
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, aad), nil
}

// Open reverses Seal. Any authentication failure, including a wrong key,
// returns ErrDecryptionFailed.
func Open(key, blob, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < NonceLength+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce := blob[:NonceLength]
	plaintext, err := gcm.Open(nil, nonce, blob[NonceLength:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// MAC computes HMAC-SHA256 over the concatenation of parts.
func MAC(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// VerifyMAC reports whether tag is the HMAC-SHA256 of parts under key,
// in constant time.
func VerifyMAC(key, tag []byte, parts ...[]byte) bool {
	return hmac.Equal(MAC(key, parts...), tag)
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// keeps the stores above from being treated as dead writes
	runtime.KeepAlive(b)
}
