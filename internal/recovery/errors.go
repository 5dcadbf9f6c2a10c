package recovery

import (
	"errors"
	"fmt"

	"github.com/forest6511/keyrecover/internal/models"
	"github.com/forest6511/keyrecover/pkg/keys"
)

// Errors
var (
	ErrPreconditionMissing = errors.New("recovery: no offline auth parameters; recovery cannot start")
	ErrNothingToRecover    = errors.New("recovery: every item already decrypts")
	ErrDerivationFailed    = errors.New("recovery: key derivation failed")
	ErrAttemptFailed       = errors.New("recovery: derived keys could not be tried against the items")
	ErrUserDismissed       = errors.New("recovery: dismissed by user")

	ErrInvalidTransition = errors.New("recovery: invalid state transition")
	ErrEmptySecret       = errors.New("recovery: passcode is empty")
	ErrThrottled         = errors.New("recovery: too many attempts, wait before retrying")
	ErrBusy              = errors.New("recovery: an attempt is already in progress")
	ErrPersisting        = errors.New("recovery: keys are being saved and cannot be dismissed")
	ErrSessionClosed     = errors.New("recovery: session has ended")
)

// Persistence stages
const (
	StageBackup = "backup"
	StageReseal = "reseal"
	StageKeys   = "keys"
	StageMap    = "map"
	StageItems  = "items"
)

// PersistError reports a failure while saving an accepted key set.
type PersistError struct {
	Stage string
	Err   error
	// KeysPersisted is true when the new key set was written but the items
	// were not, leaving keys and stored items out of step.
	KeysPersisted bool
}

func (e *PersistError) Error() string {
	if e.KeysPersisted {
		return fmt.Sprintf("recovery: new keys were saved but %s failed; stored items and keys disagree: %v",
			e.Stage, e.Err)
	}
	return fmt.Sprintf("recovery: failed to save %s: %v", e.Stage, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Summary returns a one-line, user-facing description of err.
func Summary(err error) string {
	var pe *PersistError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		if pe.KeysPersisted {
			return "The new keys were saved, but your items could not be updated. Run recovery again with the same passcode."
		}
		return "Your keys could not be saved. Nothing was changed."
	case errors.Is(err, ErrPreconditionMissing):
		return "No local passcode has been set up on this device, so there is nothing to recover."
	case errors.Is(err, ErrNothingToRecover):
		return "Every item already decrypts with the current keys, so there is nothing to recover."
	case errors.Is(err, keys.ErrUnsupportedVersion), errors.Is(err, keys.ErrUnsupportedKDF):
		return "The stored passcode parameters use a format this version does not support."
	case errors.Is(err, ErrDerivationFailed):
		return "Keys could not be computed from the stored passcode parameters."
	case errors.Is(err, ErrAttemptFailed):
		return "The computed keys could not be used to decrypt your items."
	case errors.Is(err, ErrUserDismissed):
		return "Recovery was cancelled."
	case errors.Is(err, ErrEmptySecret):
		return "Enter a passcode first."
	case errors.Is(err, ErrThrottled):
		return "Too many attempts. Wait a moment and try again."
	case errors.Is(err, ErrBusy):
		return "An attempt is already running."
	case errors.Is(err, ErrPersisting):
		return "Keys are being saved; wait for this to finish."
	case errors.Is(err, models.ErrLeased):
		return "Another recovery session is already open."
	case errors.Is(err, ErrSessionClosed):
		return "This recovery session has ended."
	default:
		return err.Error()
	}
}
