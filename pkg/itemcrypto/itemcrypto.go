// Package itemcrypto encrypts and decrypts individual items under an
// offline key set.
//
// Each item has its own random item key. The item key is sealed with the
// key set's MasterKey and authenticated with an HMAC under AuthKey; the
// content is sealed with the item key. The item ID is bound into every
// layer as additional data so payloads cannot be swapped between items.
package itemcrypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/keyrecover/pkg/corpus"
	"github.com/forest6511/keyrecover/pkg/crypto"
	"github.com/forest6511/keyrecover/pkg/keys"
)

// ContentTypeNote is the content type of items created by this package.
const ContentTypeNote = "Note"

// Errors
var (
	ErrAuthFailed   = errors.New("itemcrypto: item key authentication failed")
	ErrInvalidKeys  = errors.New("itemcrypto: invalid key set")
	ErrEmptyPayload = errors.New("itemcrypto: item has no encrypted payload")
	ErrNotDecrypted = errors.New("itemcrypto: item is readable but its plaintext is not loaded")
)

// Note is the plaintext content of an item.
type Note struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Cipher seals and opens items. It is stateless and safe for concurrent use.
type Cipher struct{}

// New returns a Cipher.
func New() *Cipher {
	return &Cipher{}
}

// SealNote creates a new item holding note, encrypted under ks.
func (c *Cipher) SealNote(note Note, ks *keys.KeySet) (*corpus.Item, error) {
	plaintext, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("itemcrypto: failed to marshal note: %w", err)
	}
	it := &corpus.Item{
		ID:          uuid.NewString(),
		ContentType: ContentTypeNote,
		Source:      corpus.SourceLocalSaved,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := c.Seal(it, plaintext, ks); err != nil {
		return nil, err
	}
	return it, nil
}

// Seal encrypts plaintext into it under ks with a fresh item key and marks
// the item as decrypted.
func (c *Cipher) Seal(it *corpus.Item, plaintext []byte, ks *keys.KeySet) error {
	if !ks.Valid() {
		return ErrInvalidKeys
	}
	aad := []byte(it.ID)

	itemKey, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(itemKey)

	encItemKey, err := crypto.Seal(ks.MasterKey, itemKey, aad)
	if err != nil {
		return fmt.Errorf("itemcrypto: failed to wrap item key: %w", err)
	}
	content, err := crypto.Seal(itemKey, plaintext, aad)
	if err != nil {
		return fmt.Errorf("itemcrypto: failed to seal content: %w", err)
	}

	it.EncItemKey = encItemKey
	it.AuthHash = authHash(ks, it.ID, encItemKey)
	it.Content = content
	it.Plaintext = append([]byte(nil), plaintext...)
	it.DecryptionFailed = false
	return nil
}

// DecryptItem returns the plaintext of it under ks without modifying it.
func (c *Cipher) DecryptItem(it *corpus.Item, ks *keys.KeySet) ([]byte, error) {
	if !ks.Valid() {
		return nil, ErrInvalidKeys
	}
	if len(it.EncItemKey) == 0 || len(it.Content) == 0 {
		return nil, ErrEmptyPayload
	}
	if !crypto.VerifyMAC(ks.AuthKey, it.AuthHash, []byte(ks.Version), []byte(it.ID), it.EncItemKey) {
		return nil, ErrAuthFailed
	}

	aad := []byte(it.ID)
	itemKey, err := crypto.Open(ks.MasterKey, it.EncItemKey, aad)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(itemKey)

	return crypto.Open(itemKey, it.Content, aad)
}

// Reseal moves a readable item under ks so it stays readable once ks replaces
// the offline key set. Items that already open with ks and items flagged as
// failing are left untouched. It reports whether the payload was rewritten.
func (c *Cipher) Reseal(it *corpus.Item, ks *keys.KeySet) (bool, error) {
	if it.DecryptionFailed {
		return false, nil
	}
	if _, err := c.DecryptItem(it, ks); err == nil {
		return false, nil
	}
	if it.Plaintext == nil {
		return false, fmt.Errorf("%w: %s", ErrNotDecrypted, it.ID)
	}
	if err := c.Seal(it, it.Plaintext, ks); err != nil {
		return false, err
	}
	it.UpdatedAt = time.Now().UTC()
	return true, nil
}

// DecryptAll decrypts every item in items with ks, setting each item's
// plaintext and failure flag. It returns the number of failures. This is the
// normal load path; recovery uses corpus.Attempt instead.
func (c *Cipher) DecryptAll(items []*corpus.Item, ks *keys.KeySet) int {
	failures := 0
	for _, it := range items {
		plaintext, err := c.DecryptItem(it, ks)
		if err != nil {
			it.Plaintext = nil
			it.DecryptionFailed = true
			failures++
			continue
		}
		it.Plaintext = plaintext
		it.DecryptionFailed = false
	}
	return failures
}

// DecodeNote parses the plaintext of a decrypted item.
func DecodeNote(it *corpus.Item) (Note, error) {
	var n Note
	if it.DecryptionFailed || it.Plaintext == nil {
		return n, fmt.Errorf("itemcrypto: item %s is not decrypted", it.ID)
	}
	if err := json.Unmarshal(it.Plaintext, &n); err != nil {
		return n, fmt.Errorf("itemcrypto: failed to decode note: %w", err)
	}
	return n, nil
}

func authHash(ks *keys.KeySet, id string, encItemKey []byte) []byte {
	return crypto.MAC(ks.AuthKey, []byte(ks.Version), []byte(id), encItemKey)
}
