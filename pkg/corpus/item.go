// Package corpus models the set of locally held items taken into a
// recovery session and the bulk decryption pass applied to it.
package corpus

import (
	"bytes"
	"time"
)

// Source records where an item's current local state came from.
type Source string

const (
	// SourceLocalSaved marks items written by normal local edits.
	SourceLocalSaved Source = "local_saved"
	// SourceLocalRetrieved marks items re-registered from local storage,
	// including items reconciled by passcode recovery.
	SourceLocalRetrieved Source = "local_retrieved"
	// SourceRemoteRetrieved marks items merged from a remote sync.
	SourceRemoteRetrieved Source = "remote_retrieved"
)

// Item is one encrypted record. An attempt only changes DecryptionFailed and
// Plaintext; accepting new keys re-encrypts the readable items under them.
type Item struct {
	ID          string
	ContentType string

	// Encrypted payload
	EncItemKey []byte // item key wrapped with the offline master key
	AuthHash   []byte // HMAC over the wrapped item key
	Content    []byte // content sealed with the item key

	Plaintext        []byte // nil until decrypted
	DecryptionFailed bool

	Source    Source
	UpdatedAt time.Time
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	c.EncItemKey = bytes.Clone(it.EncItemKey)
	c.AuthHash = bytes.Clone(it.AuthHash)
	c.Content = bytes.Clone(it.Content)
	c.Plaintext = bytes.Clone(it.Plaintext)
	return &c
}
