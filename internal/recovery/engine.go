// Package recovery reconciles a candidate offline passcode against the items
// that currently fail to decrypt, and adopts its keys when the user accepts
// them.
//
// A Session walks a fixed state machine:
//
//	AwaitingInput -> Deriving -> Attempting -> Evaluating
//	Evaluating -> Accepting                 (no failures left)
//	Evaluating -> PromptingUser             (failures left)
//	PromptingUser -> Retrying -> AwaitingInput          ("Try Again")
//	PromptingUser -> ConfirmingForce -> Accepting       ("Use Anyway", "Use")
//	ConfirmingForce -> AwaitingInput                    ("Cancel")
//	Accepting -> AutoAccepted | ForceAccepted | Failed
//
// Every non-terminal state except Accepting can move to Dismissed.
// Derivation failures and keys the items cannot be tried with end in
// Unrecoverable.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/forest6511/keyrecover/internal/metrics"
	"github.com/forest6511/keyrecover/internal/models"
	"github.com/forest6511/keyrecover/pkg/audit"
	"github.com/forest6511/keyrecover/pkg/corpus"
	"github.com/forest6511/keyrecover/pkg/keys"
)

// ParamsProvider returns the stored offline auth parameters, or nil and no
// error when none exist.
type ParamsProvider interface {
	OfflineAuthParams(ctx context.Context) (*keys.AuthParams, error)
}

// Deriver computes a candidate key set from a passcode.
type Deriver interface {
	Derive(ctx context.Context, secret string, params *keys.AuthParams) (*keys.KeySet, error)
}

// Corpus hands out exclusive snapshots of the items.
type Corpus interface {
	Checkout() (*corpus.Snapshot, *models.Lease, error)
}

// Auditor records audit events.
type Auditor interface {
	Log(op, source, result, subject string, errInfo *audit.ErrorInfo, ctx map[string]any) error
}

// Deps are the engine's collaborators. All are required.
type Deps struct {
	Params    ParamsProvider
	Deriver   Deriver
	Decrypter corpus.Decrypter
	Corpus    Corpus
	Acceptor  Persister
	Confirmer Confirmer
}

// Engine starts recovery sessions. Its submission limiter is shared by all
// sessions it starts.
type Engine struct {
	params    ParamsProvider
	deriver   Deriver
	decrypter corpus.Decrypter
	corpus    Corpus
	acceptor  Persister
	confirmer Confirmer

	logger      *slog.Logger
	auditor     Auditor
	auditSource string
	metrics     *metrics.Recovery
	limiter     *rate.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAuditor records session events with source as the audit source.
func WithAuditor(a Auditor, source string) Option {
	return func(e *Engine) {
		e.auditor = a
		e.auditSource = source
	}
}

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Recovery) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLimiter throttles submissions. A submission over budget is rejected
// with ErrThrottled without changing state.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
	}
}

// New returns an engine. Every field of d must be set.
func New(d Deps, opts ...Option) (*Engine, error) {
	switch {
	case d.Params == nil:
		return nil, errors.New("recovery: params provider is required")
	case d.Deriver == nil:
		return nil, errors.New("recovery: deriver is required")
	case d.Decrypter == nil:
		return nil, errors.New("recovery: decrypter is required")
	case d.Corpus == nil:
		return nil, errors.New("recovery: corpus is required")
	case d.Acceptor == nil:
		return nil, errors.New("recovery: acceptor is required")
	case d.Confirmer == nil:
		return nil, errors.New("recovery: confirmer is required")
	}

	e := &Engine{
		params:      d.Params,
		deriver:     d.Deriver,
		decrypter:   d.Decrypter,
		corpus:      d.Corpus,
		acceptor:    d.Acceptor,
		confirmer:   d.Confirmer,
		logger:      slog.Default(),
		auditSource: audit.SourceAPI,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Begin starts a session. It fails with ErrPreconditionMissing, before any
// derivation, when no offline auth parameters exist, with
// ErrNothingToRecover when no item fails to decrypt, and with
// models.ErrLeased when another session owns the items.
func (e *Engine) Begin(ctx context.Context) (*Session, error) {
	params, err := e.params.OfflineAuthParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: failed to read auth params: %w", err)
	}
	if params == nil {
		e.audit(audit.OpRecoveryStart, audit.ResultDenied, &audit.ErrorInfo{
			Code: "PRECONDITION_MISSING", Message: ErrPreconditionMissing.Error(),
		}, nil)
		return nil, ErrPreconditionMissing
	}

	snap, lease, err := e.corpus.Checkout()
	if err != nil {
		e.audit(audit.OpRecoveryStart, audit.ResultDenied, &audit.ErrorInfo{
			Code: "LEASED", Message: err.Error(),
		}, nil)
		return nil, err
	}
	if snap.FailureCount() == 0 {
		// Evaluate(0) would auto-accept any passcode.
		lease.Release()
		e.audit(audit.OpRecoveryStart, audit.ResultDenied, &audit.ErrorInfo{
			Code: "NOTHING_TO_RECOVER", Message: ErrNothingToRecover.Error(),
		}, map[string]any{"items": snap.Len()})
		return nil, ErrNothingToRecover
	}

	s := &Session{
		e:      e,
		params: params,
		snap:   snap,
		lease:  lease,
		state:  AwaitingInput,
		count:  snap.FailureCount(),
	}
	e.logger.Info("recovery session started", "items", snap.Len(), "failing", s.count)
	e.audit(audit.OpRecoveryStart, audit.ResultSuccess, nil, map[string]any{
		"items":   snap.Len(),
		"failing": s.count,
	})
	return s, nil
}

func (e *Engine) allow() bool {
	return e.limiter == nil || e.limiter.Allow()
}

// audit never fails the caller; a broken audit log is logged and skipped.
func (e *Engine) audit(op, result string, errInfo *audit.ErrorInfo, ctx map[string]any) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.Log(op, e.auditSource, result, "", errInfo, ctx); err != nil {
		e.logger.Warn("failed to write audit record", "op", op, "error", err)
	}
}
