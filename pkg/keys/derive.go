package keys

import (
	"context"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/keyrecover/pkg/crypto"
)

// HKDF labels separating the two halves of a key set.
const (
	hkdfInfoMaster = "keyrecover-offline-master"
	hkdfInfoAuth   = "keyrecover-offline-auth"

	stretchedLength = 64
)

// Derive computes the key set for secret under params.
//
// The secret is normalized to Unicode NFC first, so visually identical
// passcodes entered from different input methods derive the same keys.
// The result is a pure function of (secret, params).
func Derive(secret string, params *AuthParams) (*KeySet, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if params == nil {
		return nil, ErrNoAuthParams
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	password := []byte(norm.NFC.String(secret))
	defer crypto.SecureWipe(password)

	stretched := crypto.DeriveKeyWithParams(password, params.Salt, params.Cost(), stretchedLength)
	defer crypto.SecureWipe(stretched)

	master, err := crypto.ExpandKey(stretched, hkdfInfoMaster, crypto.KeyLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDerivationFailed, err)
	}
	auth, err := crypto.ExpandKey(stretched, hkdfInfoAuth, crypto.KeyLength)
	if err != nil {
		crypto.SecureWipe(master)
		return nil, fmt.Errorf("%w: %w", ErrDerivationFailed, err)
	}

	return &KeySet{
		Version:   params.Version,
		MasterKey: master,
		AuthKey:   auth,
	}, nil
}

// Deriver runs Derive off the caller's goroutine so long key stretching can
// be abandoned through the context.
type Deriver struct{}

// NewDeriver returns a Deriver.
func NewDeriver() *Deriver {
	return &Deriver{}
}

type deriveResult struct {
	keys *KeySet
	err  error
}

// Derive stretches secret under params. If ctx is done first, ctx.Err() is
// returned and the late result is wiped once the computation finishes.
func (d *Deriver) Derive(ctx context.Context, secret string, params *AuthParams) (*KeySet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan deriveResult, 1)
	go func() {
		ks, err := Derive(secret, params)
		done <- deriveResult{keys: ks, err: err}
	}()

	select {
	case res := <-done:
		return res.keys, res.err
	case <-ctx.Done():
		go func() {
			res := <-done
			res.keys.Wipe()
		}()
		return nil, ctx.Err()
	}
}
