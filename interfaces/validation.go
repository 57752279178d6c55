package interfaces

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MinUserIDLength = 3
	MaxUserIDLength = 50

	// MaxMessageSize bounds messages accepted for signing and verification.
	MaxMessageSize = 64 * 1024
)

// ValidateUserID checks the opaque user identifier. Any unicode is accepted as
// long as the length is within bounds and there are no control characters.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return NewValidationError("user_id", "must not be empty")
	}
	if !utf8.ValidString(userID) {
		return NewValidationError("user_id", "must be valid UTF-8")
	}
	n := utf8.RuneCountInString(userID)
	if n < MinUserIDLength || n > MaxUserIDLength {
		return NewValidationError("user_id", fmt.Sprintf("length must be between %d and %d characters", MinUserIDLength, MaxUserIDLength))
	}
	for _, r := range userID {
		if unicode.IsControl(r) {
			return NewValidationError("user_id", "must not contain control characters")
		}
	}
	return nil
}

// ValidateEmail checks an optional email address. Empty is valid.
func ValidateEmail(email string) error {
	if email == "" {
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return NewValidationError("email", "must be a plain email address")
	}
	return nil
}

// ValidateMessage checks a message submitted for signing or verification.
func ValidateMessage(message string) error {
	if message == "" {
		return NewValidationError("message", "must not be empty")
	}
	if len(message) > MaxMessageSize {
		return NewValidationError("message", fmt.Sprintf("must be at most %d bytes", MaxMessageSize))
	}
	return nil
}
