package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forest6511/keyrecover/internal/metrics"
	"github.com/forest6511/keyrecover/internal/models"
	"github.com/forest6511/keyrecover/pkg/audit"
	"github.com/forest6511/keyrecover/pkg/corpus"
	"github.com/forest6511/keyrecover/pkg/keys"
)

// Session is one recovery run over an exclusively leased snapshot.
//
// Submit runs a whole cycle and may block on derivation and prompts.
// Dismiss may be called from any goroutine; it cancels the running cycle,
// whose results are then discarded.
type Session struct {
	e      *Engine
	params *keys.AuthParams
	snap   *corpus.Snapshot
	lease  *models.Lease

	busy atomic.Bool // a Submit is running

	mu     sync.Mutex // guards the fields below
	state  State
	input  string
	count  int
	cancel context.CancelFunc
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureCount returns the failure count of the latest attempt, or of the
// snapshot when nothing has been attempted yet.
func (s *Session) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Len returns the number of items the session checks.
func (s *Session) Len() int {
	return s.snap.Len()
}

// Intro returns the explanation to show before asking for the passcode.
func (s *Session) Intro() string {
	return Intro(s.snap.InitialFailures())
}

// SetInput replaces the entered passcode. Only allowed in AwaitingInput.
func (s *Session) SetInput(secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if s.state != AwaitingInput {
		return fmt.Errorf("%w: cannot edit input in %s", ErrInvalidTransition, s.state)
	}
	s.input = secret
	return nil
}

// HasInput reports whether a passcode is entered.
func (s *Session) HasInput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input != ""
}

// CanSubmit reports whether Submit would start a cycle.
func (s *Session) CanSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == AwaitingInput && s.input != "" && !s.busy.Load()
}

// Submit derives keys from the entered passcode, tries them against the
// snapshot and acts on the verdict, asking the Confirmer when items still
// fail. It returns the state the session settled in.
//
// Persistence, once reached, runs to completion even if ctx is cancelled.
func (s *Session) Submit(ctx context.Context) (State, error) {
	if !s.busy.CompareAndSwap(false, true) {
		s.e.metrics.Rejected("busy")
		return s.State(), ErrBusy
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	switch {
	case s.state.Terminal():
		s.mu.Unlock()
		return s.State(), ErrSessionClosed
	case s.state != AwaitingInput:
		st := s.state
		s.mu.Unlock()
		return st, fmt.Errorf("%w: submit in %s", ErrInvalidTransition, st)
	case s.input == "":
		s.mu.Unlock()
		s.e.metrics.Rejected("empty")
		return AwaitingInput, ErrEmptySecret
	case !s.e.allow():
		s.mu.Unlock()
		s.e.metrics.Rejected("throttled")
		return AwaitingInput, ErrThrottled
	}
	secret := s.input
	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := s.moveLocked(Deriving); err != nil {
		s.mu.Unlock()
		cancel()
		return AwaitingInput, err
	}
	s.mu.Unlock()
	defer cancel()

	// 1. Derive
	start := time.Now()
	ks, err := s.e.deriver.Derive(cctx, secret, s.params)
	s.e.metrics.Derived(time.Since(start).Seconds())
	if stop := s.stopped(ctx); stop != nil {
		ks.Wipe()
		return s.State(), stop
	}
	if err != nil {
		return s.unrecoverable("DERIVATION_FAILED", fmt.Errorf("%w: %w", ErrDerivationFailed, err))
	}

	// 2. Attempt
	if err := s.advance(Attempting); err != nil {
		ks.Wipe()
		return s.State(), err
	}
	count, err := corpus.Attempt(cctx, s.snap, ks, s.e.decrypter)
	if stop := s.stopped(ctx); stop != nil {
		ks.Wipe()
		return s.State(), stop
	}
	if err != nil {
		ks.Wipe()
		return s.unrecoverable("ATTEMPT_FAILED", fmt.Errorf("%w: %w", ErrAttemptFailed, err))
	}

	// 3. Evaluate
	if err := s.advance(Evaluating); err != nil {
		ks.Wipe()
		return s.State(), err
	}
	s.mu.Lock()
	before := s.count
	s.count = count
	s.mu.Unlock()

	s.e.metrics.Attempt(count)
	s.e.logger.Info("candidate attempted", "failing", count, "recovered", before-count)
	s.e.audit(audit.OpRecoveryAttempt, audit.ResultSuccess, nil, map[string]any{
		"failing":   count,
		"recovered": before - count,
	})

	decision := Evaluate(count)
	if decision.Kind == PromptForceAccept {
		decision, err = s.resolve(ctx, cctx, decision)
		if err != nil {
			ks.Wipe()
			return s.State(), err
		}
	}
	return s.settle(ctx, decision, ks)
}

// resolve asks the user what to do with a candidate that left items
// failing. Closing the first prompt counts as "Try Again"; declining or
// closing the second keeps the entered passcode.
func (s *Session) resolve(parent, ctx context.Context, d Decision) (Decision, error) {
	if err := s.advance(PromptingUser); err != nil {
		return d, err
	}
	choice, err := s.confirm(parent, ctx, unableToDecryptPrompt(d.FailureCount))
	if err != nil {
		return d, err
	}
	if choice != ChoiceConfirm {
		return Decision{Kind: Reject, FailureCount: d.FailureCount}, nil
	}

	if err := s.advance(ConfirmingForce); err != nil {
		return d, err
	}
	choice, err = s.confirm(parent, ctx, confirmForcePrompt())
	if err != nil {
		return d, err
	}
	if choice != ChoiceConfirm {
		return Decision{Kind: Reject, FailureCount: d.FailureCount, KeepInput: true}, nil
	}

	d.Confirmed = true
	return d, nil
}

func (s *Session) confirm(parent, ctx context.Context, p Prompt) (Choice, error) {
	choice, err := s.e.confirmer.Confirm(ctx, p)
	if stop := s.stopped(parent); stop != nil {
		return ChoiceDismissed, stop
	}
	if err != nil {
		s.dismiss("prompt failed")
		return ChoiceDismissed, fmt.Errorf("recovery: confirmation failed: %w", err)
	}
	return choice, nil
}

// settle is the single consumer of a Decision and the only path that
// reaches persistence.
func (s *Session) settle(parent context.Context, d Decision, ks *keys.KeySet) (State, error) {
	if !d.accepts() {
		ks.Wipe()
		return s.retry(d)
	}

	if err := s.advance(Accepting); err != nil {
		ks.Wipe()
		return s.State(), err
	}

	err := s.e.acceptor.Accept(context.WithoutCancel(parent), ks, s.snap)
	ks.Wipe()
	if err != nil {
		s.finish(Failed)
		s.e.metrics.Outcome(metrics.OutcomeFailed)
		s.e.logger.Error("failed to persist recovered keys", "error", err)
		info := &audit.ErrorInfo{Code: "PERSIST", Message: err.Error()}
		var pe *PersistError
		if errors.As(err, &pe) {
			info.Code = "PERSIST_" + pe.Stage
		}
		s.e.audit(audit.OpRecoveryFailed, audit.ResultError, info, map[string]any{"failing": d.FailureCount})
		return Failed, err
	}

	if d.Kind == PromptForceAccept {
		s.finish(ForceAccepted)
		s.e.metrics.Outcome(metrics.OutcomeForceAccept)
		s.e.logger.Warn("keys adopted although items still fail to decrypt", "failing", d.FailureCount)
		s.e.audit(audit.OpRecoveryForceAccept, audit.ResultSuccess, nil, map[string]any{"failing": d.FailureCount})
		return ForceAccepted, nil
	}

	s.finish(AutoAccepted)
	s.e.metrics.Outcome(metrics.OutcomeAutoAccept)
	s.e.logger.Info("keys recovered", "items", s.snap.Len())
	s.e.audit(audit.OpRecoveryAccept, audit.ResultSuccess, nil, map[string]any{"items": s.snap.Len()})
	return AutoAccepted, nil
}

// retry returns to AwaitingInput after a rejected candidate. Snapshot
// mutations from the attempt are kept; they never regress.
func (s *Session) retry(d Decision) (State, error) {
	s.mu.Lock()
	if s.state == Dismissed {
		s.mu.Unlock()
		return Dismissed, ErrUserDismissed
	}
	if !d.KeepInput {
		if err := s.moveLocked(Retrying); err != nil {
			st := s.state
			s.mu.Unlock()
			return st, err
		}
		s.input = ""
	}
	if err := s.moveLocked(AwaitingInput); err != nil {
		st := s.state
		s.mu.Unlock()
		return st, err
	}
	s.cancel = nil
	s.mu.Unlock()

	s.e.metrics.Outcome(metrics.OutcomeRetry)
	s.e.audit(audit.OpRecoveryRetry, audit.ResultSuccess, nil, map[string]any{
		"failing":    d.FailureCount,
		"kept_input": d.KeepInput,
	})
	return AwaitingInput, nil
}

func (s *Session) unrecoverable(code string, err error) (State, error) {
	s.finish(Unrecoverable)
	s.e.metrics.Outcome(metrics.OutcomeUnrecovered)
	s.e.logger.Error("recovery cannot continue", "error", err)
	s.e.audit(audit.OpRecoveryFailed, audit.ResultError, &audit.ErrorInfo{
		Code: code, Message: err.Error(),
	}, nil)
	return Unrecoverable, err
}

// Dismiss ends the session without persisting anything. A running cycle is
// cancelled and its results discarded. Dismissing during persistence is
// refused with ErrPersisting; dismissing twice is a no-op.
func (s *Session) Dismiss() error {
	return s.dismiss("user")
}

func (s *Session) dismiss(reason string) error {
	s.mu.Lock()
	prev := s.state
	switch {
	case prev == Dismissed:
		s.mu.Unlock()
		return nil
	case prev == Accepting:
		s.mu.Unlock()
		return ErrPersisting
	case prev.Terminal():
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if err := s.moveLocked(Dismissed); err != nil {
		s.mu.Unlock()
		return err
	}
	s.input = ""
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.lease.Release()

	s.e.metrics.Outcome(metrics.OutcomeDismissed)
	s.e.logger.Info("recovery session dismissed", "state", prev.String(), "reason", reason)
	s.e.audit(audit.OpRecoveryDismiss, audit.ResultSuccess, nil, map[string]any{
		"state":  prev.String(),
		"reason": reason,
	})
	return nil
}

// stopped reports whether the running cycle must end: the session was
// dismissed, or the caller's context is done, which dismisses it.
func (s *Session) stopped(parent context.Context) error {
	if s.State() == Dismissed {
		return ErrUserDismissed
	}
	if err := parent.Err(); err != nil {
		s.dismiss("context done")
		return fmt.Errorf("%w: %w", ErrUserDismissed, err)
	}
	return nil
}

// advance moves to the next state of a running cycle.
func (s *Session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Dismissed {
		return ErrUserDismissed
	}
	return s.moveLocked(to)
}

// finish enters a terminal state and gives the items back.
func (s *Session) finish(to State) {
	s.mu.Lock()
	if s.state == Dismissed {
		s.mu.Unlock()
		return
	}
	if err := s.moveLocked(to); err != nil {
		s.e.logger.Error("unexpected transition", "error", err)
	}
	s.input = ""
	s.cancel = nil
	s.mu.Unlock()
	s.lease.Release()
}

// moveLocked must be called with s.mu held.
func (s *Session) moveLocked(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.e.logger.Debug("recovery state", "from", s.state.String(), "to", to.String())
	s.state = to
	return nil
}
