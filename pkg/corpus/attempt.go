package corpus

import (
	"context"
	"errors"

	"github.com/forest6511/keyrecover/pkg/keys"
)

// ErrNoKeys is returned when Attempt is called without usable keys.
var ErrNoKeys = errors.New("corpus: no candidate keys")

// Decrypter is the per-item decryption primitive. It must not modify item.
type Decrypter interface {
	DecryptItem(item *Item, ks *keys.KeySet) ([]byte, error)
}

// Attempt tries ks against every item in snap that is still flagged as
// failing. Recovered items have their flag cleared and plaintext set; items
// that fail stay flagged. Items that were decryptable when the snapshot was
// taken are never touched, so an attempt can only reduce the failure count.
//
// The returned count is recomputed over the whole snapshot. On context
// cancellation the items recovered so far stay recovered and ctx.Err() is
// returned.
func Attempt(ctx context.Context, snap *Snapshot, ks *keys.KeySet, dec Decrypter) (int, error) {
	if !ks.Valid() {
		return snap.FailureCount(), ErrNoKeys
	}

	for _, it := range snap.items {
		if !it.DecryptionFailed || snap.WasDecryptable(it.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return snap.FailureCount(), err
		}

		plaintext, err := dec.DecryptItem(it, ks)
		if err != nil {
			continue
		}
		it.Plaintext = plaintext
		it.DecryptionFailed = false
	}

	return snap.FailureCount(), nil
}
