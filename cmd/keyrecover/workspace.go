package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/forest6511/keyrecover/internal/config"
	"github.com/forest6511/keyrecover/internal/metrics"
	"github.com/forest6511/keyrecover/internal/models"
	"github.com/forest6511/keyrecover/internal/recovery"
	"github.com/forest6511/keyrecover/pkg/audit"
	"github.com/forest6511/keyrecover/pkg/corpus"
	"github.com/forest6511/keyrecover/pkg/itemcrypto"
	"github.com/forest6511/keyrecover/pkg/keys"
	"github.com/forest6511/keyrecover/pkg/store"

	"golang.org/x/time/rate"
)

const (
	auditDirName  = "audit"
	backupDirName = "backups"
)

var errNoOfflineKeys = errors.New("no offline keys on this device; run 'keyrecover recover' or 'keyrecover init'")

// workspace is an open data directory: the store plus the audit log and
// cipher that operate on it.
type workspace struct {
	home   string
	cfg    *config.Config
	log    *slog.Logger
	store  *store.Store
	audit  *audit.Logger // nil when auditing is disabled
	cipher *itemcrypto.Cipher
}

func openWorkspace(ctx context.Context, home string, cfg *config.Config, log *slog.Logger) (*workspace, error) {
	st, err := store.Open(home, store.WithLogger(log))
	if err != nil {
		return nil, err
	}
	w := &workspace{
		home:   home,
		cfg:    cfg,
		log:    log,
		store:  st,
		cipher: itemcrypto.New(),
	}

	if cfg.Audit.Enabled {
		secret, err := st.AuditSecret(ctx)
		if err != nil {
			st.Close()
			return nil, err
		}
		al := audit.NewLogger(filepath.Join(home, auditDirName), audit.WithLogger(log))
		if err := al.SetHMACKey(secret); err != nil {
			st.Close()
			return nil, err
		}
		w.audit = al
	}
	return w, nil
}

func (w *workspace) Close() error {
	return w.store.Close()
}

// record writes an audit event. Audit failures are logged, never fatal.
func (w *workspace) record(op, result, subject string, errInfo *audit.ErrorInfo, details map[string]any) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Log(op, audit.SourceCLI, result, subject, errInfo, details); err != nil {
		w.log.Warn("failed to write audit record", "op", op, "error", err)
	}
}

// initialize establishes the offline key set for passcode. It fails with
// store.ErrAlreadyInitialized when parameters already exist.
func (w *workspace) initialize(ctx context.Context, passcode string) error {
	params, err := w.store.OfflineAuthParams(ctx)
	if err != nil {
		return err
	}
	if params != nil {
		return store.ErrAlreadyInitialized
	}

	params, err = keys.NewAuthParams(w.cfg.Cost())
	if err != nil {
		return err
	}
	ks, err := keys.NewDeriver().Derive(ctx, passcode, params)
	if err != nil {
		return err
	}
	defer ks.Wipe()

	if err := w.store.SaveAuthParams(ctx, params); err != nil {
		return err
	}
	if err := w.store.PersistOfflineKeys(ctx, ks); err != nil {
		return err
	}

	w.record(audit.OpStoreInit, audit.ResultSuccess, "", nil, map[string]any{
		"kdf_time":       params.Time,
		"kdf_memory_kib": params.MemoryKiB,
	})
	return nil
}

// addNote encrypts note with the current offline keys and stores it.
func (w *workspace) addNote(ctx context.Context, note itemcrypto.Note) (*corpus.Item, error) {
	ks, err := w.store.OfflineKeys(ctx)
	if err != nil {
		return nil, err
	}
	if ks == nil {
		w.record(audit.OpItemAdd, audit.ResultDenied, "", &audit.ErrorInfo{
			Code: "NO_KEYS", Message: errNoOfflineKeys.Error(),
		}, nil)
		return nil, errNoOfflineKeys
	}
	defer ks.Wipe()

	it, err := w.cipher.SealNote(note, ks)
	if err != nil {
		return nil, err
	}
	if err := w.store.WriteItems(ctx, []*corpus.Item{it}, corpus.SourceLocalSaved); err != nil {
		return nil, err
	}
	w.record(audit.OpItemAdd, audit.ResultSuccess, it.ID, nil, nil)
	return it, nil
}

// loadItems reads every item and decrypts it with the current offline keys.
// Without keys every item fails. It returns the number of failures.
func (w *workspace) loadItems(ctx context.Context) ([]*corpus.Item, int, error) {
	items, err := w.store.LoadItems(ctx)
	if err != nil {
		return nil, 0, err
	}
	ks, err := w.store.OfflineKeys(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer ks.Wipe()

	failures := w.cipher.DecryptAll(items, ks)
	return items, failures, nil
}

type statusReport struct {
	ParamsPresent bool
	KeysPresent   bool
	Items         int
	Failing       int
}

func (w *workspace) status(ctx context.Context) (*statusReport, error) {
	params, err := w.store.OfflineAuthParams(ctx)
	if err != nil {
		return nil, err
	}
	ks, err := w.store.OfflineKeys(ctx)
	if err != nil {
		return nil, err
	}
	ks.Wipe()

	items, failing, err := w.loadItems(ctx)
	if err != nil {
		return nil, err
	}
	return &statusReport{
		ParamsPresent: params != nil,
		KeysPresent:   ks != nil,
		Items:         len(items),
		Failing:       failing,
	}, nil
}

// forgetKeys deletes the offline key set, leaving params and items.
func (w *workspace) forgetKeys(ctx context.Context) error {
	if err := w.store.ForgetOfflineKeys(ctx); err != nil {
		w.record(audit.OpKeysForget, audit.ResultError, "", &audit.ErrorInfo{
			Code: "STORE", Message: err.Error(),
		}, nil)
		return err
	}
	w.record(audit.OpKeysForget, audit.ResultSuccess, "", nil, nil)
	return nil
}

// engine wires a recovery engine over reg. m may be nil.
func (w *workspace) engine(reg *models.Registry, c recovery.Confirmer, m *metrics.Recovery) (*recovery.Engine, error) {
	accOpts := []recovery.AcceptorOption{recovery.WithAcceptorLogger(w.log)}
	if w.cfg.Recovery.BackupBeforeAccept {
		accOpts = append(accOpts, recovery.WithBackup(w.store, filepath.Join(w.home, backupDirName)))
	}

	opts := []recovery.Option{
		recovery.WithLogger(w.log),
		recovery.WithMetrics(m),
	}
	if w.audit != nil {
		opts = append(opts, recovery.WithAuditor(w.audit, audit.SourceCLI))
	}
	if l := limiter(w.cfg.Recovery); l != nil {
		opts = append(opts, recovery.WithLimiter(l))
	}

	return recovery.New(recovery.Deps{
		Params:    w.store,
		Deriver:   keys.NewDeriver(),
		Decrypter: w.cipher,
		Corpus:    reg,
		Acceptor:  recovery.NewAcceptor(w.store, w.cipher, reg, w.store, accOpts...),
		Confirmer: c,
	}, opts...)
}

// limiter returns nil when submissions are unlimited.
func limiter(rc config.Recovery) *rate.Limiter {
	if rc.MaxAttemptsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rc.MaxAttemptsPerMinute)), rc.Burst)
}

// registry loads the items into an in-memory registry for a session.
func (w *workspace) registry(ctx context.Context) (*models.Registry, error) {
	items, failing, err := w.loadItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	w.log.Debug("items loaded", "items", len(items), "failing", failing)
	return models.NewRegistry(items), nil
}
