package keys

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Passcode length limits for establishing an offline key set.
// Recovery itself accepts any non-empty passcode.
const (
	MinPasscodeLength = 6
	MaxPasscodeLength = 128
)

// PasscodeStrength represents the estimated strength of a passcode
type PasscodeStrength int

const (
	PasscodeWeak PasscodeStrength = iota
	PasscodeFair
	PasscodeGood
	PasscodeStrong
)

// String returns a human-readable representation of passcode strength
func (s PasscodeStrength) String() string {
	switch s {
	case PasscodeWeak:
		return "weak"
	case PasscodeFair:
		return "fair"
	case PasscodeGood:
		return "good"
	case PasscodeStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PasscodeValidationResult contains the result of passcode validation
type PasscodeValidationResult struct {
	Valid    bool
	Strength PasscodeStrength
	Warnings []string // advisory unless Valid is false
}

// ValidatePasscode checks a new local passcode. Length limits are hard
// requirements; complexity only produces warnings.
func ValidatePasscode(passcode string) *PasscodeValidationResult {
	result := &PasscodeValidationResult{Valid: true, Strength: PasscodeFair}

	n := utf8.RuneCountInString(passcode)
	if n < MinPasscodeLength {
		result.Valid = false
		result.Strength = PasscodeWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passcode must be at least %d characters", MinPasscodeLength))
		return result
	}
	if n > MaxPasscodeLength {
		result.Valid = false
		result.Strength = PasscodeWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passcode must be at most %d characters", MaxPasscodeLength))
		return result
	}

	var upper, lower, digit, other bool
	for _, r := range passcode {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, present := range []bool{upper, lower, digit, other} {
		if present {
			classes++
		}
	}

	if classes < 2 {
		result.Warnings = append(result.Warnings,
			"Consider mixing letters, numbers, and symbols")
	}
	if n < 12 {
		result.Warnings = append(result.Warnings,
			"Longer passcodes (12+ characters) are harder to guess")
	}

	switch {
	case classes >= 3 && n >= 16:
		result.Strength = PasscodeStrong
	case classes >= 2 && n >= 12:
		result.Strength = PasscodeGood
	case classes >= 2 || n >= 12:
		result.Strength = PasscodeFair
	default:
		result.Strength = PasscodeWeak
	}

	return result
}
