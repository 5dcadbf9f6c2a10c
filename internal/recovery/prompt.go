package recovery

import (
	"context"
	"fmt"
)

// PromptKind identifies which question is being asked.
type PromptKind int

const (
	// PromptUnableToDecrypt follows an attempt that left items failing.
	PromptUnableToDecrypt PromptKind = iota
	// PromptConfirmForce double-checks a "Use Anyway" choice.
	PromptConfirmForce
)

// Prompt is a two-button question. Confirm is always the button that moves
// toward adopting the keys.
type Prompt struct {
	Kind    PromptKind
	Title   string
	Text    string
	Confirm string
	Cancel  string
}

// Choice is the user's answer to a Prompt.
type Choice int

const (
	// ChoiceDismissed: the prompt was closed without pressing a button.
	ChoiceDismissed Choice = iota
	ChoiceConfirm
	ChoiceCancel
)

func (c Choice) String() string {
	switch c {
	case ChoiceConfirm:
		return "confirm"
	case ChoiceCancel:
		return "cancel"
	default:
		return "dismissed"
	}
}

// Confirmer asks the user a question and blocks until answered or ctx is
// done.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (Choice, error)
}

func unableToDecryptPrompt(count int) Prompt {
	return Prompt{
		Kind:  PromptUnableToDecrypt,
		Title: "Unable to Decrypt",
		Text: fmt.Sprintf("The passcode you attempted still yields %d un-decryptable items. "+
			"It's most likely incorrect.", count),
		Confirm: "Use Anyway",
		Cancel:  "Try Again",
	}
}

func confirmForcePrompt() Prompt {
	return Prompt{
		Kind:  PromptConfirmForce,
		Title: "Use Keys?",
		Text: "Are you sure you want to use these keys? Not all items are decrypted, " +
			"but if some have been, it may be an optimal solution.",
		Confirm: "Use",
		Cancel:  "Cancel",
	}
}

// Intro is the explanation shown when a session starts.
func Intro(count int) string {
	return fmt.Sprintf("%d items are encrypted and missing keys. This can occur as a result of "+
		"a device restore. Please enter the value of your local passcode as it was before the "+
		"restore. We'll be able to determine if it is correct based on its ability to decrypt "+
		"your items.", count)
}
