// Package keys derives offline key sets from a local passcode.
//
// A key set is derived deterministically from a passcode and the AuthParams
// recorded when the offline key set was first established. The package does
// not judge whether a derived key set is correct; callers decide that by
// trying the keys against real ciphertext.
package keys

import (
	"errors"
	"fmt"

	"github.com/forest6511/keyrecover/pkg/crypto"
)

// Protocol and KDF identifiers understood by this package.
const (
	ProtocolVersion = "001"
	KDFArgon2id     = "argon2id"
)

// Parameter limits. Values outside these bounds are rejected rather than
// handed to Argon2id.
const (
	SaltLength   = 16
	MinTime      = 1
	MaxTime      = 16
	MinMemoryKiB = 8 * 1024
	MaxMemoryKiB = 4 * 1024 * 1024
	MinThreads   = 1
	MaxThreads   = 64
)

// Errors
var (
	ErrDerivationFailed   = errors.New("keys: key derivation failed")
	ErrNoAuthParams       = errors.New("keys: no offline auth parameters")
	ErrEmptySecret        = errors.New("keys: secret must not be empty")
	ErrUnsupportedVersion = errors.New("keys: unsupported protocol version")
	ErrUnsupportedKDF     = errors.New("keys: unsupported key derivation function")
	ErrInvalidParams      = errors.New("keys: invalid auth parameters")
)

// AuthParams describe how an offline key set was derived. They are
// persisted next to the items and never change for a given key set.
type AuthParams struct {
	Version     string `json:"version"`
	KDF         string `json:"kdf"`
	Salt        []byte `json:"salt"`
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory_kib"`
	Parallelism uint8  `json:"parallelism"`
}

// NewAuthParams returns parameters for a fresh offline key set using cost
// and a newly generated random salt.
func NewAuthParams(cost crypto.Argon2Params) (*AuthParams, error) {
	salt, err := crypto.RandomBytes(SaltLength)
	if err != nil {
		return nil, fmt.Errorf("keys: failed to generate salt: %w", err)
	}
	p := &AuthParams{
		Version:     ProtocolVersion,
		KDF:         KDFArgon2id,
		Salt:        salt,
		Time:        cost.Time,
		MemoryKiB:   cost.MemoryKiB,
		Parallelism: cost.Threads,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that the parameters can be used for derivation.
// Every failure wraps both ErrDerivationFailed and a specific cause.
func (p *AuthParams) Validate() error {
	if p == nil {
		return ErrNoAuthParams
	}
	if p.Version != ProtocolVersion {
		return fmt.Errorf("%w: %w: %q", ErrDerivationFailed, ErrUnsupportedVersion, p.Version)
	}
	if p.KDF != KDFArgon2id {
		return fmt.Errorf("%w: %w: %q", ErrDerivationFailed, ErrUnsupportedKDF, p.KDF)
	}
	if len(p.Salt) < SaltLength {
		return fmt.Errorf("%w: %w: salt is %d bytes, need %d",
			ErrDerivationFailed, ErrInvalidParams, len(p.Salt), SaltLength)
	}
	if p.Time < MinTime || p.Time > MaxTime {
		return fmt.Errorf("%w: %w: time cost %d outside [%d, %d]",
			ErrDerivationFailed, ErrInvalidParams, p.Time, MinTime, MaxTime)
	}
	if p.MemoryKiB < MinMemoryKiB || p.MemoryKiB > MaxMemoryKiB {
		return fmt.Errorf("%w: %w: memory cost %d KiB outside [%d, %d]",
			ErrDerivationFailed, ErrInvalidParams, p.MemoryKiB, MinMemoryKiB, MaxMemoryKiB)
	}
	if p.Parallelism < MinThreads || p.Parallelism > MaxThreads {
		return fmt.Errorf("%w: %w: parallelism %d outside [%d, %d]",
			ErrDerivationFailed, ErrInvalidParams, p.Parallelism, MinThreads, MaxThreads)
	}
	return nil
}

// Cost returns the Argon2id cost factors recorded in p.
func (p *AuthParams) Cost() crypto.Argon2Params {
	return crypto.Argon2Params{
		Time:      p.Time,
		MemoryKiB: p.MemoryKiB,
		Threads:   p.Parallelism,
	}
}
