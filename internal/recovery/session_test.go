package recovery

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/forest6511/keyrecover/internal/models"
	"github.com/forest6511/keyrecover/pkg/audit"
	"github.com/forest6511/keyrecover/pkg/corpus"
	"github.com/forest6511/keyrecover/pkg/keys"
)

func submit(t *testing.T, s *Session, secret string) (State, error) {
	t.Helper()
	if err := s.SetInput(secret); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}
	return s.Submit(context.Background())
}

func TestScenarioCorrectPasscodeAutoAccepts(t *testing.T) {
	f := newFixture(t, 5, 0, 0)
	s := f.begin()

	if s.FailureCount() != 5 {
		t.Fatalf("expected 5 failing items before the attempt, got %d", s.FailureCount())
	}
	if !strings.HasPrefix(s.Intro(), "5 items are encrypted and missing keys.") {
		t.Errorf("unexpected intro: %s", s.Intro())
	}

	state, err := submit(t, s, correctPasscode)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if state != AutoAccepted || s.State() != AutoAccepted {
		t.Fatalf("expected %s, got %s", AutoAccepted, state)
	}
	if n := len(f.confirmer.seen()); n != 0 {
		t.Errorf("auto-accept must not prompt, got %d prompts", n)
	}
	if n := f.persister.calls.Load(); n != 1 {
		t.Errorf("expected accept to be called once, got %d", n)
	}

	if !f.storedKeys().Equal(f.good) {
		t.Error("expected the recovered keys to be persisted")
	}
	failing, items := f.storedFailures()
	if failing != 0 || len(items) != 5 {
		t.Errorf("expected 5 stored items with 0 failing, got %d/%d", failing, len(items))
	}
	for _, it := range items {
		if it.Source != corpus.SourceLocalRetrieved {
			t.Errorf("item %s: expected source %s, got %s", it.ID, corpus.SourceLocalRetrieved, it.Source)
		}
	}

	if f.reg.FailureCount() != 0 || f.reg.Len() != 5 {
		t.Errorf("registry not reconciled: len=%d failing=%d", f.reg.Len(), f.reg.FailureCount())
	}
	if f.reg.RemoteChanges() != 0 {
		t.Error("recovered items must not count as remote changes")
	}
	if f.reg.Leased() {
		t.Error("expected lease to be released")
	}
}

func TestScenarioWrongPasscodeTryAgain(t *testing.T) {
	f := newFixture(t, 5, 0, 0)
	f.confirmer.script(ChoiceCancel)
	s := f.begin()

	state, err := submit(t, s, wrongPasscode)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if state != AwaitingInput {
		t.Fatalf("expected %s, got %s", AwaitingInput, state)
	}
	if s.FailureCount() != 5 || s.snap.FailureCount() != 5 {
		t.Errorf("expected 5 failing items, got %d", s.FailureCount())
	}
	if s.HasInput() {
		t.Error("expected input to be cleared")
	}

	prompts := f.confirmer.seen()
	if len(prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(prompts))
	}
	p := prompts[0]
	if p.Kind != PromptUnableToDecrypt || p.Title != "Unable to Decrypt" {
		t.Errorf("unexpected prompt: %+v", p)
	}
	if !strings.Contains(p.Text, "still yields 5 un-decryptable items") {
		t.Errorf("prompt text missing count: %s", p.Text)
	}
	if p.Cancel != "Try Again" || p.Confirm != "Use Anyway" {
		t.Errorf("unexpected buttons: %q / %q", p.Cancel, p.Confirm)
	}

	if n := f.persister.calls.Load(); n != 0 {
		t.Errorf("expected no persistence, got %d calls", n)
	}
	if !f.storedKeys().Equal(f.stale) {
		t.Error("stored keys changed")
	}
	if !f.reg.Leased() {
		t.Error("session should still own the items")
	}
	if s.CanSubmit() {
		t.Error("CanSubmit should be false after the input was cleared")
	}
	if err := s.SetInput(correctPasscode); err != nil {
		t.Fatalf("SetInput after retry failed: %v", err)
	}
	if !s.CanSubmit() {
		t.Error("expected a new passcode to be submittable")
	}
}

func TestScenarioPartialUseAnyway(t *testing.T) {
	f := newFixture(t, 3, 2, 0)
	f.confirmer.script(ChoiceConfirm, ChoiceConfirm)
	f.confirmer.onPrompt = func(Prompt) {
		if n := f.persister.calls.Load(); n != 0 {
			t.Errorf("persistence ran before the prompts were resolved (%d calls)", n)
		}
	}
	s := f.begin()

	state, err := submit(t, s, correctPasscode)
	if err != nil {
		var pe *PersistError
		if errors.As(err, &pe) {
			t.Fatalf("unexpected PersistError: %v", pe)
		}
		t.Fatalf("Submit failed: %v", err)
	}
	if state != ForceAccepted {
		t.Fatalf("expected %s, got %s", ForceAccepted, state)
	}

	prompts := f.confirmer.seen()
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(prompts))
	}
	if prompts[1].Kind != PromptConfirmForce || prompts[1].Title != "Use Keys?" {
		t.Errorf("unexpected second prompt: %+v", prompts[1])
	}
	if prompts[1].Confirm != "Use" || prompts[1].Cancel != "Cancel" {
		t.Errorf("unexpected buttons: %q / %q", prompts[1].Confirm, prompts[1].Cancel)
	}

	if n := f.persister.calls.Load(); n != 1 {
		t.Errorf("expected accept to be called once, got %d", n)
	}
	if !f.storedKeys().Equal(f.good) {
		t.Error("expected forced keys to be persisted")
	}
	failing, items := f.storedFailures()
	if len(items) != 5 || failing != 2 {
		t.Errorf("expected 5 stored items with 2 failing, got %d/%d", failing, len(items))
	}
	for _, it := range items {
		if it.Source != corpus.SourceLocalRetrieved {
			t.Errorf("item %s not remapped", it.ID)
		}
	}
	if f.reg.FailureCount() != 2 {
		t.Errorf("expected registry to hold 2 failing items, got %d", f.reg.FailureCount())
	}
}

func TestScenarioNoAuthParams(t *testing.T) {
	f := newFixture(t, 1, 0, 0)
	f.deps.Params = staticParams{}

	_, err := f.engine().Begin(context.Background())
	if !errors.Is(err, ErrPreconditionMissing) {
		t.Fatalf("expected ErrPreconditionMissing, got %v", err)
	}
	if n := f.deriver.calls.Load(); n != 0 {
		t.Errorf("expected no derivation, got %d", n)
	}
	if f.reg.Leased() {
		t.Error("items must not be leased when recovery cannot start")
	}
}

func TestParamsReadError(t *testing.T) {
	f := newFixture(t, 1, 0, 0)
	boom := errors.New("disk on fire")
	f.deps.Params = staticParams{err: boom}

	if _, err := f.engine().Begin(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}

func TestDeterministicFailureCount(t *testing.T) {
	f := newFixture(t, 3, 2, 0)
	snap, lease, err := f.reg.Checkout()
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	defer lease.Release()

	var counts []int
	for i := 0; i < 3; i++ {
		ks, err := keys.NewDeriver().Derive(context.Background(), correctPasscode, f.params)
		if err != nil {
			t.Fatalf("Derive failed: %v", err)
		}
		n, err := corpus.Attempt(context.Background(), snap.Clone(), ks, f.cipher)
		if err != nil {
			t.Fatalf("Attempt failed: %v", err)
		}
		counts = append(counts, n)
	}
	for _, n := range counts {
		if n != 2 {
			t.Errorf("expected a stable failure count of 2, got %v", counts)
		}
	}
}

func TestAttemptNeverRegresses(t *testing.T) {
	f := newFixture(t, 0, 3, 2)
	f.confirmer.script(ChoiceCancel, ChoiceCancel)
	s := f.begin()

	for _, secret := range []string{wrongPasscode, correctPasscode} {
		if _, err := submit(t, s, secret); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		for _, it := range s.snap.Items() {
			if s.snap.WasDecryptable(it.ID) && it.DecryptionFailed {
				t.Errorf("item %s regressed after %q", it.ID, secret)
			}
		}
		if s.FailureCount() != 3 {
			t.Errorf("expected 3 failing items, got %d", s.FailureCount())
		}
	}
}

func TestDismissingFirstPromptMeansTryAgain(t *testing.T) {
	f := newFixture(t, 2, 0, 0)
	f.confirmer.script(ChoiceDismissed)
	s := f.begin()

	state, err := submit(t, s, wrongPasscode)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if state != AwaitingInput || s.HasInput() {
		t.Errorf("expected cleared input in %s, got %s input=%v", AwaitingInput, state, s.HasInput())
	}
	if n := f.persister.calls.Load(); n != 0 {
		t.Errorf("dismissed prompt must never accept, got %d calls", n)
	}
}

func TestCancellingSecondPromptKeepsInput(t *testing.T) {
	tests := []struct {
		name   string
		second Choice
	}{
		{"cancel", ChoiceCancel},
		{"dismissed", ChoiceDismissed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2, 1, 0)
			f.confirmer.script(ChoiceConfirm, tt.second)
			s := f.begin()

			state, err := submit(t, s, correctPasscode)
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if state != AwaitingInput {
				t.Fatalf("expected %s, got %s", AwaitingInput, state)
			}
			if !s.HasInput() {
				t.Error("expected input to be kept")
			}
			if n := f.persister.calls.Load(); n != 0 {
				t.Errorf("expected no persistence, got %d calls", n)
			}
		})
	}
}

func TestDismissAfterAttemptLeavesStoreUnchanged(t *testing.T) {
	f := newFixture(t, 3, 2, 0)
	f.confirmer.script(ChoiceCancel)
	s := f.begin()

	// Partially recovers the snapshot, then the user walks away
	if _, err := submit(t, s, correctPasscode); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if s.FailureCount() != 2 {
		t.Fatalf("expected 2 failing items in the session, got %d", s.FailureCount())
	}
	if err := s.Dismiss(); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}

	if s.State() != Dismissed {
		t.Errorf("expected %s, got %s", Dismissed, s.State())
	}
	if !f.storedKeys().Equal(f.stale) {
		t.Error("stored keys changed")
	}
	if failing, _ := f.storedFailures(); failing != 5 {
		t.Errorf("expected 5 stored failures, got %d", failing)
	}
	if f.reg.FailureCount() != 5 {
		t.Errorf("snapshot changes leaked into the registry: %d failing", f.reg.FailureCount())
	}
	if f.reg.Leased() {
		t.Error("expected lease to be released")
	}

	if err := s.Dismiss(); err != nil {
		t.Errorf("second Dismiss should be a no-op, got %v", err)
	}
	if err := s.SetInput("x"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.Submit(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestDismissDuringPromptDiscardsCandidate(t *testing.T) {
	f := newFixture(t, 3, 2, 0)
	f.confirmer.script(ChoiceConfirm, ChoiceConfirm)
	var s *Session
	f.confirmer.onPrompt = func(Prompt) {
		if err := s.Dismiss(); err != nil {
			t.Errorf("Dismiss failed: %v", err)
		}
	}
	s = f.begin()

	state, err := submit(t, s, correctPasscode)
	if !errors.Is(err, ErrUserDismissed) {
		t.Fatalf("expected ErrUserDismissed, got %v", err)
	}
	if state != Dismissed {
		t.Errorf("expected %s, got %s", Dismissed, state)
	}
	if n := f.persister.calls.Load(); n != 0 {
		t.Errorf("expected no persistence, got %d calls", n)
	}
	if !f.storedKeys().Equal(f.stale) {
		t.Error("stored keys changed")
	}
}

func TestDismissDuringDerivation(t *testing.T) {
	f := newFixture(t, 2, 0, 0)
	bd := newBlockingDeriver(keys.NewDeriver())
	f.deps.Deriver = bd
	s := f.begin()
	if err := s.SetInput(correctPasscode); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}

	type result struct {
		state State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		st, err := s.Submit(context.Background())
		done <- result{st, err}
	}()

	<-bd.started
	if s.State() != Deriving {
		t.Errorf("expected %s, got %s", Deriving, s.State())
	}
	if err := s.Dismiss(); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}

	select {
	case r := <-done:
		if !errors.Is(r.err, ErrUserDismissed) {
			t.Errorf("expected ErrUserDismissed, got %v", r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not return after Dismiss")
	}
	if !bd.canceled.Load() {
		t.Error("expected derivation to be cancelled")
	}
	if n := f.persister.calls.Load(); n != 0 {
		t.Errorf("expected no persistence, got %d calls", n)
	}
}

func TestCallerCancellationDismisses(t *testing.T) {
	f := newFixture(t, 2, 0, 0)
	bd := newBlockingDeriver(keys.NewDeriver())
	f.deps.Deriver = bd
	s := f.begin()
	if err := s.SetInput(correctPasscode); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx)
		done <- err
	}()
	<-bd.started
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrUserDismissed) {
		t.Errorf("expected dismissal wrapping context.Canceled, got %v", err)
	}
	if s.State() != Dismissed || f.reg.Leased() {
		t.Errorf("expected dismissed session with released lease, got %s", s.State())
	}
}

func TestConcurrentSubmitIsBusy(t *testing.T) {
	f := newFixture(t, 2, 0, 0)
	bd := newBlockingDeriver(keys.NewDeriver())
	f.deps.Deriver = bd
	s := f.begin()
	if err := s.SetInput(correctPasscode); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background())
		done <- err
	}()
	<-bd.started

	if s.CanSubmit() {
		t.Error("CanSubmit should be false while an attempt runs")
	}
	if _, err := s.Submit(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if err := s.SetInput("other"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition while deriving, got %v", err)
	}

	close(bd.release)
	if err := <-done; err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if s.State() != AutoAccepted {
		t.Errorf("expected %s, got %s", AutoAccepted, s.State())
	}
}

func TestEmptyInputRejected(t *testing.T) {
	f := newFixture(t, 1, 0, 0)
	s := f.begin()

	if s.CanSubmit() {
		t.Error("CanSubmit should be false without input")
	}
	state, err := s.Submit(context.Background())
	if !errors.Is(err, ErrEmptySecret) {
		t.Errorf("expected ErrEmptySecret, got %v", err)
	}
	if state != AwaitingInput || s.State() != AwaitingInput {
		t.Errorf("empty input must not change state, got %s", s.State())
	}
	if n := f.deriver.calls.Load(); n != 0 {
		t.Errorf("expected no derivation, got %d", n)
	}
}

func TestSubmissionsThrottled(t *testing.T) {
	f := newFixture(t, 2, 0, 0)
	f.confirmer.script(ChoiceCancel)
	s := f.begin(WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))

	if _, err := submit(t, s, wrongPasscode); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	state, err := submit(t, s, correctPasscode)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	if state != AwaitingInput || !s.HasInput() {
		t.Error("throttled submission must not change state or input")
	}
	if n := f.deriver.calls.Load(); n != 1 {
		t.Errorf("expected 1 derivation, got %d", n)
	}
}

func TestDerivationFailureIsUnrecoverable(t *testing.T) {
	f := newFixture(t, 1, 0, 0)
	bad := *f.params
	bad.KDF = "scrypt"
	f.deps.Params = staticParams{params: &bad}
	s := f.begin()

	state, err := submit(t, s, correctPasscode)
	if state != Unrecoverable {
		t.Fatalf("expected %s, got %s", Unrecoverable, state)
	}
	if !errors.Is(err, ErrDerivationFailed) || !errors.Is(err, keys.ErrUnsupportedKDF) {
		t.Errorf("expected derivation failure wrapping the cause, got %v", err)
	}
	if f.reg.Leased() {
		t.Error("expected lease to be released")
	}
	if err := s.SetInput("again"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Dismiss(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from Dismiss, got %v", err)
	}
}

type failingWriter struct{ err error }

func (w failingWriter) WriteItems(context.Context, []*corpus.Item, corpus.Source) error {
	return w.err
}

type failingKeyStore struct{ err error }

func (k failingKeyStore) PersistOfflineKeys(context.Context, *keys.KeySet) error {
	return k.err
}

func TestPersistFailureSurfaced(t *testing.T) {
	boom := errors.New("disk full")
	tests := []struct {
		name          string
		acceptor      func(f *fixture) Persister
		stage         string
		keysPersisted bool
		wantKeys      func(f *fixture) *keys.KeySet
	}{
		{
			name: "keys",
			acceptor: func(f *fixture) Persister {
				return NewAcceptor(failingKeyStore{boom}, f.cipher, f.reg, f.store)
			},
			stage:    StageKeys,
			wantKeys: func(f *fixture) *keys.KeySet { return f.stale },
		},
		{
			name: "items",
			acceptor: func(f *fixture) Persister {
				return NewAcceptor(f.store, f.cipher, f.reg, failingWriter{boom})
			},
			stage:         StageItems,
			keysPersisted: true,
			wantKeys:      func(f *fixture) *keys.KeySet { return f.good },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2, 0, 0)
			f.deps.Acceptor = tt.acceptor(f)
			s := f.begin()

			state, err := submit(t, s, correctPasscode)
			if state != Failed {
				t.Fatalf("expected %s, got %s", Failed, state)
			}
			var pe *PersistError
			if !errors.As(err, &pe) {
				t.Fatalf("expected PersistError, got %v", err)
			}
			if pe.Stage != tt.stage || pe.KeysPersisted != tt.keysPersisted || !errors.Is(err, boom) {
				t.Errorf("unexpected PersistError: %+v", pe)
			}
			if tt.keysPersisted && !strings.Contains(err.Error(), "disagree") {
				t.Errorf("error should say keys and items disagree: %v", err)
			}
			if !f.storedKeys().Equal(tt.wantKeys(f)) {
				t.Error("unexpected stored keys")
			}
			if f.reg.Leased() {
				t.Error("expected lease to be released")
			}
		})
	}
}

type gatedPersister struct {
	next    Persister
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPersister) Accept(ctx context.Context, ks *keys.KeySet, snap *corpus.Snapshot) error {
	close(p.entered)
	<-p.release
	return p.next.Accept(ctx, ks, snap)
}

func TestDismissRefusedWhilePersisting(t *testing.T) {
	f := newFixture(t, 2, 0, 0)
	gp := &gatedPersister{next: f.persister, entered: make(chan struct{}), release: make(chan struct{})}
	f.deps.Acceptor = gp
	s := f.begin()
	if err := s.SetInput(correctPasscode); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx)
		done <- err
	}()

	<-gp.entered
	if s.State() != Accepting {
		t.Errorf("expected %s, got %s", Accepting, s.State())
	}
	if err := s.Dismiss(); !errors.Is(err, ErrPersisting) {
		t.Errorf("expected ErrPersisting, got %v", err)
	}
	// Cancelling the caller's context does not interrupt persistence
	cancel()
	close(gp.release)

	if err := <-done; err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if s.State() != AutoAccepted {
		t.Errorf("expected %s, got %s", AutoAccepted, s.State())
	}
	if !f.storedKeys().Equal(f.good) {
		t.Error("expected keys to be persisted")
	}
}

func TestOneSessionAtATime(t *testing.T) {
	f := newFixture(t, 1, 0, 0)
	e := f.engine()

	s, err := e.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := e.Begin(context.Background()); !errors.Is(err, models.ErrLeased) {
		t.Errorf("expected ErrLeased, got %v", err)
	}
	if err := f.reg.Merge(nil); !errors.Is(err, models.ErrLeased) {
		t.Errorf("expected remote merge to be refused, got %v", err)
	}

	if err := s.Dismiss(); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	if _, err := e.Begin(context.Background()); err != nil {
		t.Errorf("Begin after dismiss failed: %v", err)
	}
}

func TestConfirmerErrorEndsSession(t *testing.T) {
	f := newFixture(t, 2, 0, 0)
	f.confirmer.err = errors.New("stdin closed")
	s := f.begin()

	_, err := submit(t, s, wrongPasscode)
	if err == nil || !strings.Contains(err.Error(), "stdin closed") {
		t.Fatalf("expected confirmer error, got %v", err)
	}
	if s.State() != Dismissed {
		t.Errorf("expected %s, got %s", Dismissed, s.State())
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t, 3, 2, 0)
	f.confirmer.script(ChoiceCancel, ChoiceConfirm, ChoiceConfirm)

	logger := audit.NewLogger(t.TempDir())
	if err := logger.SetHMACKey([]byte("audit-secret")); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	s := f.begin(WithAuditor(logger, audit.SourceCLI))

	if _, err := submit(t, s, wrongPasscode); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := submit(t, s, correctPasscode); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	events, err := logger.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	var ops []string
	for _, e := range events {
		ops = append(ops, e.Operation)
	}
	want := []string{
		audit.OpRecoveryStart,
		audit.OpRecoveryAttempt,
		audit.OpRecoveryRetry,
		audit.OpRecoveryAttempt,
		audit.OpRecoveryForceAccept,
	}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected audit trail:\n got %v\nwant %v", ops, want)
	}
	last := events[len(events)-1]
	if last.Context["failing"] != float64(2) {
		t.Errorf("forced accept should record residual failures, got %v", last.Context["failing"])
	}

	result, err := logger.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("audit chain invalid: %v", result.Errors)
	}
}

func TestBackupBeforeAccept(t *testing.T) {
	f := newFixture(t, 2, 0, 0)
	backupDir := t.TempDir()
	f.deps.Acceptor = NewAcceptor(f.store, f.cipher, f.reg, f.store, WithBackup(f.store, backupDir))
	s := f.begin()

	if state, err := submit(t, s, correctPasscode); err != nil || state != AutoAccepted {
		t.Fatalf("Submit = %s, %v", state, err)
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 backup, got %d", len(entries))
	}
}

func TestBeginWithNothingFailing(t *testing.T) {
	f := newFixture(t, 0, 0, 2)
	logger := audit.NewLogger(t.TempDir())
	if err := logger.SetHMACKey([]byte("audit-secret")); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	_, err := f.engine(WithAuditor(logger, audit.SourceCLI)).Begin(context.Background())
	if !errors.Is(err, ErrNothingToRecover) {
		t.Fatalf("expected ErrNothingToRecover, got %v", err)
	}
	if f.reg.Leased() {
		t.Error("expected lease to be released")
	}
	if n := f.deriver.calls.Load(); n != 0 {
		t.Errorf("expected no derivation, got %d", n)
	}
	if !f.storedKeys().Equal(f.stale) {
		t.Error("stored keys must not change")
	}

	events, err := logger.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Operation != audit.OpRecoveryStart || events[0].Result != audit.ResultDenied {
		t.Fatalf("expected one denied start record, got %+v", events)
	}
	if events[0].Error == nil || events[0].Error.Code != "NOTHING_TO_RECOVER" {
		t.Errorf("unexpected error info: %+v", events[0].Error)
	}
}

func TestAttemptFailureIsUnrecoverable(t *testing.T) {
	f := newFixture(t, 1, 0, 0)
	f.deps.Deriver = invalidKeysDeriver{}
	s := f.begin()

	state, err := submit(t, s, correctPasscode)
	if state != Unrecoverable {
		t.Fatalf("expected %s, got %s", Unrecoverable, state)
	}
	if !errors.Is(err, ErrAttemptFailed) || !errors.Is(err, corpus.ErrNoKeys) {
		t.Errorf("expected attempt failure wrapping the cause, got %v", err)
	}
	if errors.Is(err, ErrDerivationFailed) {
		t.Errorf("attempt failure reported as derivation failure: %v", err)
	}
	if n := f.persister.calls.Load(); n != 0 {
		t.Errorf("expected no persistence, got %d calls", n)
	}
	if f.reg.Leased() {
		t.Error("expected lease to be released")
	}
}

func TestAcceptKeepsItemsReadableUnderOlderKeys(t *testing.T) {
	tests := []struct {
		name      string
		other     int
		choices   []Choice
		wantState State
	}{
		{name: "auto accept", wantState: AutoAccepted},
		{name: "use anyway", other: 1, choices: []Choice{ChoiceConfirm, ChoiceConfirm}, wantState: ForceAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2, tt.other, 0)
			// notes saved under the keys in use after the restore
			f.addReadable(2, f.stale)
			f.confirmer.script(tt.choices...)
			s := f.begin()
			if s.FailureCount() != 2+tt.other {
				t.Fatalf("expected %d failing, got %d", 2+tt.other, s.FailureCount())
			}

			state, err := submit(t, s, correctPasscode)
			if err != nil || state != tt.wantState {
				t.Fatalf("Submit = %s, %v; want %s", state, err, tt.wantState)
			}
			if !f.storedKeys().Equal(f.good) {
				t.Fatal("expected the accepted keys to be stored")
			}

			// only the items no passcode here can open stay unreadable
			if got := f.unreadableWithStoredKeys(); got != tt.other {
				t.Errorf("expected %d unreadable items after reload, got %d", tt.other, got)
			}
			if failing, _ := f.storedFailures(); failing != tt.other {
				t.Errorf("expected %d stored failures, got %d", tt.other, failing)
			}
			if f.reg.FailureCount() != tt.other || f.reg.Len() != 4+tt.other {
				t.Errorf("registry: len=%d failing=%d", f.reg.Len(), f.reg.FailureCount())
			}
		})
	}
}
