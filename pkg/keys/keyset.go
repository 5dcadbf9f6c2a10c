package keys

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/forest6511/keyrecover/pkg/crypto"
)

// KeySet is the key material derived from one passcode.
// MasterKey unwraps per-item keys; AuthKey authenticates the wrapped item keys.
type KeySet struct {
	Version   string
	MasterKey []byte
	AuthKey   []byte
}

// Valid reports whether the key set has usable key material.
func (k *KeySet) Valid() bool {
	return k != nil && len(k.MasterKey) == crypto.KeyLength && len(k.AuthKey) == crypto.KeyLength
}

// Clone returns a deep copy so the caller can wipe its own copy independently.
func (k *KeySet) Clone() *KeySet {
	if k == nil {
		return nil
	}
	return &KeySet{
		Version:   k.Version,
		MasterKey: bytes.Clone(k.MasterKey),
		AuthKey:   bytes.Clone(k.AuthKey),
	}
}

// Equal reports whether two key sets hold identical material. It is not
// constant time and must not be used to check a candidate passcode.
func (k *KeySet) Equal(other *KeySet) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.Version == other.Version &&
		bytes.Equal(k.MasterKey, other.MasterKey) &&
		bytes.Equal(k.AuthKey, other.AuthKey)
}

// Wipe zeroes the key material.
func (k *KeySet) Wipe() {
	if k == nil {
		return
	}
	crypto.SecureWipe(k.MasterKey)
	crypto.SecureWipe(k.AuthKey)
}

// String never prints key material.
func (k *KeySet) String() string {
	if k == nil {
		return "KeySet(nil)"
	}
	return fmt.Sprintf("KeySet(version=%s)", k.Version)
}

// LogValue keeps key material out of structured logs.
func (k *KeySet) LogValue() slog.Value {
	return slog.StringValue(k.String())
}
