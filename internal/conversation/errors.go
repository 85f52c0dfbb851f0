// ABOUTME: Error taxonomy for the conversation state machine
// ABOUTME: Validation errors are rejected before any write, state errors name the violated guard

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/chat-gateway/internal/store"
)

// Guard violations wrapped by StateError.
var (
	ErrConversationNotOpen = errors.New("conversation is not open")
	ErrAlreadyClosed       = errors.New("conversation already closed")
	ErrNotClosed           = errors.New("conversation is not closed")
	ErrArchived            = errors.New("conversation is archived")
)

// ErrLimitReached is returned when the owner's usage allowance for starting
// conversations is exhausted.
var ErrLimitReached = errors.New("usage limit reached")

// ValidationError reports malformed or missing input. Nothing was written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StateError reports an operation rejected by the conversation's current status.
type StateError struct {
	ConversationID string
	Status         store.ConversationStatus
	Op             string
	Err            error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s conversation %s (status %s): %v", e.Op, e.ConversationID, e.Status, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

func stateError(conv *store.Conversation, op string, err error) error {
	return &StateError{
		ConversationID: conv.ID,
		Status:         conv.Status,
		Op:             op,
		Err:            err,
	}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsState reports whether err is (or wraps) a StateError.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
