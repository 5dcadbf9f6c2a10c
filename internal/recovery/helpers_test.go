package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/forest6511/keyrecover/internal/logging"
	"github.com/forest6511/keyrecover/internal/models"
	"github.com/forest6511/keyrecover/pkg/corpus"
	"github.com/forest6511/keyrecover/pkg/crypto"
	"github.com/forest6511/keyrecover/pkg/itemcrypto"
	"github.com/forest6511/keyrecover/pkg/keys"
	"github.com/forest6511/keyrecover/pkg/store"
)

const (
	correctPasscode = "correct horse battery"
	otherPasscode   = "an older passcode"
	stalePasscode   = "post-restore passcode"
	wrongPasscode   = "definitely wrong"
)

var testCost = crypto.Argon2Params{Time: 1, MemoryKiB: keys.MinMemoryKiB, Threads: 1}

// fixture is a store holding items that no longer decrypt with the stored
// offline keys, as after a restore.
type fixture struct {
	t         *testing.T
	store     *store.Store
	reg       *models.Registry
	params    *keys.AuthParams
	cipher    *itemcrypto.Cipher
	good      *keys.KeySet
	stale     *keys.KeySet
	confirmer *scriptedConfirmer
	persister *countingPersister
	deriver   *countingDeriver
	deps      Deps
}

// newFixture seals correct items with the correct passcode and other items
// with a different one. decryptable items are sealed with the correct
// passcode and left unflagged.
func newFixture(t *testing.T, correct, other, decryptable int) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(t.TempDir(), store.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	params, err := keys.NewAuthParams(testCost)
	if err != nil {
		t.Fatalf("NewAuthParams failed: %v", err)
	}
	if err := s.SaveAuthParams(ctx, params); err != nil {
		t.Fatalf("SaveAuthParams failed: %v", err)
	}

	f := &fixture{
		t:      t,
		store:  s,
		params: params,
		cipher: itemcrypto.New(),
		good:   mustDerive(t, correctPasscode, params),
		stale:  mustDerive(t, stalePasscode, params),
	}
	otherKeys := mustDerive(t, otherPasscode, params)

	var items []*corpus.Item
	seal := func(n int, ks *keys.KeySet, failing bool) {
		for i := 0; i < n; i++ {
			it, err := f.cipher.SealNote(itemcrypto.Note{Title: "note", Text: "body"}, ks)
			if err != nil {
				t.Fatalf("SealNote failed: %v", err)
			}
			if failing {
				it.Plaintext = nil
				it.DecryptionFailed = true
			}
			items = append(items, it)
		}
	}
	seal(correct, f.good, true)
	seal(other, otherKeys, true)
	seal(decryptable, f.good, false)

	if err := s.WriteItems(ctx, items, corpus.SourceLocalSaved); err != nil {
		t.Fatalf("WriteItems failed: %v", err)
	}
	if err := s.PersistOfflineKeys(ctx, f.stale); err != nil {
		t.Fatalf("PersistOfflineKeys failed: %v", err)
	}

	f.reg = models.NewRegistry(items)
	f.confirmer = &scriptedConfirmer{}
	f.persister = &countingPersister{next: NewAcceptor(s, f.cipher, f.reg, s, WithAcceptorLogger(logging.Discard()))}
	f.deriver = &countingDeriver{next: keys.NewDeriver()}
	f.deps = Deps{
		Params:    s,
		Deriver:   f.deriver,
		Decrypter: f.cipher,
		Corpus:    f.reg,
		Acceptor:  f.persister,
		Confirmer: f.confirmer,
	}
	return f
}

func (f *fixture) engine(opts ...Option) *Engine {
	f.t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	e, err := New(f.deps, opts...)
	if err != nil {
		f.t.Fatalf("New failed: %v", err)
	}
	return e
}

func (f *fixture) begin(opts ...Option) *Session {
	f.t.Helper()
	s, err := f.engine(opts...).Begin(context.Background())
	if err != nil {
		f.t.Fatalf("Begin failed: %v", err)
	}
	return s
}

// addReadable stores n decryptable items sealed under ks, as notes saved
// while ks were the offline keys.
func (f *fixture) addReadable(n int, ks *keys.KeySet) {
	f.t.Helper()
	var items []*corpus.Item
	for i := 0; i < n; i++ {
		it, err := f.cipher.SealNote(itemcrypto.Note{Title: "readable", Text: "body"}, ks)
		if err != nil {
			f.t.Fatalf("SealNote failed: %v", err)
		}
		items = append(items, it)
	}
	if err := f.store.WriteItems(context.Background(), items, corpus.SourceLocalSaved); err != nil {
		f.t.Fatalf("WriteItems failed: %v", err)
	}
	if err := f.reg.Map(items, corpus.SourceLocalSaved); err != nil {
		f.t.Fatalf("Map failed: %v", err)
	}
}

// unreadableWithStoredKeys reloads the items and counts those that do not
// open with the stored offline keys.
func (f *fixture) unreadableWithStoredKeys() int {
	f.t.Helper()
	_, items := f.storedFailures()
	return f.cipher.DecryptAll(items, f.storedKeys())
}

// storedKeys returns the persisted offline key set.
func (f *fixture) storedKeys() *keys.KeySet {
	f.t.Helper()
	ks, err := f.store.OfflineKeys(context.Background())
	if err != nil {
		f.t.Fatalf("OfflineKeys failed: %v", err)
	}
	return ks
}

// storedFailures counts stored items flagged as failing.
func (f *fixture) storedFailures() (failing int, items []*corpus.Item) {
	f.t.Helper()
	items, err := f.store.LoadItems(context.Background())
	if err != nil {
		f.t.Fatalf("LoadItems failed: %v", err)
	}
	for _, it := range items {
		if it.DecryptionFailed {
			failing++
		}
	}
	return failing, items
}

func mustDerive(t *testing.T, secret string, params *keys.AuthParams) *keys.KeySet {
	t.Helper()
	ks, err := keys.Derive(secret, params)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	return ks
}

// scriptedConfirmer answers prompts from a fixed list. Missing answers are
// ChoiceDismissed.
type scriptedConfirmer struct {
	mu       sync.Mutex
	choices  []Choice
	prompts  []Prompt
	err      error
	onPrompt func(Prompt)
}

func (c *scriptedConfirmer) script(choices ...Choice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.choices = choices
}

func (c *scriptedConfirmer) Confirm(ctx context.Context, p Prompt) (Choice, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, p)
	hook := c.onPrompt
	choice := ChoiceDismissed
	if len(c.choices) > 0 {
		choice = c.choices[0]
		c.choices = c.choices[1:]
	}
	err := c.err
	c.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	if err != nil {
		return ChoiceDismissed, err
	}
	return choice, nil
}

func (c *scriptedConfirmer) seen() []Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Prompt(nil), c.prompts...)
}

type countingPersister struct {
	next  Persister
	calls atomic.Int32
}

func (p *countingPersister) Accept(ctx context.Context, ks *keys.KeySet, snap *corpus.Snapshot) error {
	p.calls.Add(1)
	return p.next.Accept(ctx, ks, snap)
}

type countingDeriver struct {
	next  Deriver
	calls atomic.Int32
}

func (d *countingDeriver) Derive(ctx context.Context, secret string, params *keys.AuthParams) (*keys.KeySet, error) {
	d.calls.Add(1)
	return d.next.Derive(ctx, secret, params)
}

// blockingDeriver waits for release or ctx before deriving.
type blockingDeriver struct {
	next     Deriver
	started  chan struct{}
	release  chan struct{}
	canceled atomic.Bool
}

func newBlockingDeriver(next Deriver) *blockingDeriver {
	return &blockingDeriver{next: next, started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (d *blockingDeriver) Derive(ctx context.Context, secret string, params *keys.AuthParams) (*keys.KeySet, error) {
	d.started <- struct{}{}
	select {
	case <-ctx.Done():
		d.canceled.Store(true)
		return nil, ctx.Err()
	case <-d.release:
	}
	return d.next.Derive(ctx, secret, params)
}

// invalidKeysDeriver returns a key set with no key material.
type invalidKeysDeriver struct{}

func (invalidKeysDeriver) Derive(context.Context, string, *keys.AuthParams) (*keys.KeySet, error) {
	return &keys.KeySet{}, nil
}

type staticParams struct {
	params *keys.AuthParams
	err    error
}

func (p staticParams) OfflineAuthParams(context.Context) (*keys.AuthParams, error) {
	return p.params, p.err
}
