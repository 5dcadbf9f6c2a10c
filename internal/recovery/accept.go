package recovery

import (
	"context"
	"log/slog"

	"github.com/forest6511/keyrecover/pkg/corpus"
	"github.com/forest6511/keyrecover/pkg/keys"
)

// KeyStore persists the offline key set, replacing the previous one.
type KeyStore interface {
	PersistOfflineKeys(ctx context.Context, ks *keys.KeySet) error
}

// Resealer re-encrypts a readable item under ks, reporting whether its
// payload changed. Failing items are left as they are.
type Resealer interface {
	Reseal(it *corpus.Item, ks *keys.KeySet) (bool, error)
}

// ItemMapper registers items in the in-memory model.
type ItemMapper interface {
	Map(items []*corpus.Item, source corpus.Source) error
}

// ItemWriter flushes items to durable storage.
type ItemWriter interface {
	WriteItems(ctx context.Context, items []*corpus.Item, source corpus.Source) error
}

// Backuper writes a point-in-time copy of the store into dir.
type Backuper interface {
	Backup(ctx context.Context, dir string) (string, error)
}

// Persister adopts an accepted key set. Acceptor is the implementation.
type Persister interface {
	Accept(ctx context.Context, ks *keys.KeySet, snap *corpus.Snapshot) error
}

// Acceptor adopts an accepted key set and the items it reconciled.
type Acceptor struct {
	keys   KeyStore
	sealer Resealer
	mapper ItemMapper
	writer ItemWriter

	backup    Backuper
	backupDir string

	logger *slog.Logger
}

// AcceptorOption configures an Acceptor.
type AcceptorOption func(*Acceptor)

// WithBackup takes a store backup into dir before anything is changed.
func WithBackup(b Backuper, dir string) AcceptorOption {
	return func(a *Acceptor) {
		a.backup = b
		a.backupDir = dir
	}
}

// WithAcceptorLogger sets the logger.
func WithAcceptorLogger(l *slog.Logger) AcceptorOption {
	return func(a *Acceptor) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAcceptor returns an Acceptor writing keys to ks and items to m and w.
// Readable items are moved under the accepted keys with r.
func NewAcceptor(ks KeyStore, r Resealer, m ItemMapper, w ItemWriter, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{keys: ks, sealer: r, mapper: m, writer: w, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Accept persists ks as the offline key set and writes every item of snap
// back as locally retrieved. Items that are readable but still sealed under
// older keys are re-encrypted under ks first, so nothing readable before is
// lost; items that still fail keep their payload. The steps run strictly in
// order and are not cancellable once started; ctx only carries values.
//
// Accepting the same keys and snapshot twice leaves the same stored state.
func (a *Acceptor) Accept(ctx context.Context, ks *keys.KeySet, snap *corpus.Snapshot) error {
	ctx = context.WithoutCancel(ctx)
	items := snap.Items()

	// 0. Optional backup
	if a.backup != nil {
		path, err := a.backup.Backup(ctx, a.backupDir)
		if err != nil {
			return &PersistError{Stage: StageBackup, Err: err}
		}
		a.logger.Info("store backed up before accepting keys", "path", path)
	}

	// 1. Readable items under ks. Only the leased snapshot changes here.
	resealed := 0
	for _, it := range items {
		changed, err := a.sealer.Reseal(it, ks)
		if err != nil {
			return &PersistError{Stage: StageReseal, Err: err}
		}
		if changed {
			resealed++
		}
	}
	if resealed > 0 {
		a.logger.Info("items re-encrypted under the accepted keys", "items", resealed)
	}

	// 2. Keys
	if err := a.keys.PersistOfflineKeys(ctx, ks); err != nil {
		return &PersistError{Stage: StageKeys, Err: err}
	}

	// 3. Model registry, same IDs, local provenance
	if err := a.mapper.Map(items, corpus.SourceLocalRetrieved); err != nil {
		return &PersistError{Stage: StageMap, Err: err, KeysPersisted: true}
	}

	// 4. Durable storage
	if err := a.writer.WriteItems(ctx, items, corpus.SourceLocalRetrieved); err != nil {
		return &PersistError{Stage: StageItems, Err: err, KeysPersisted: true}
	}

	a.logger.Debug("accepted keys persisted", "items", len(items), "failing", snap.FailureCount())
	return nil
}
