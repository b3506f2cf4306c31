package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by the store when an insert hits a uniqueness
	// constraint. Toggles treat it as "already set".
	ErrConflict = errors.New("already exists")
	// ErrNotParticipant is returned when the viewer is not part of the
	// conversation.
	ErrNotParticipant = errors.New("not a participant of this conversation")
	// ErrBlocked is returned when either participant blocks the other.
	ErrBlocked = errors.New("messaging is blocked between these users")
	// ErrSendInFlight is returned while a composer is still sending.
	ErrSendInFlight = errors.New("a previous send is still in flight")
	// ErrMessagingNotAllowed is returned when the recipient's chat settings
	// refuse a new conversation.
	ErrMessagingNotAllowed = errors.New("recipient does not accept messages from this user")
)

// A ValidationError is returned for input rejected before any remote call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
