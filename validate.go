package modxcache

import (
	"fmt"

	"github.com/google/uuid"
)

const completionIDPrefix = "chatcmpl-"

// ValidationError describes a malformed request.
type ValidationError struct {
	Reason string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", ve.Reason)
}

// ValidateMessages checks that messages form a well shaped turn: not empty,
// only user and assistant roles, alternating, first and last from the user.
func ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return &ValidationError{Reason: "messages must not be empty"}
	}

	for i, m := range messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return &ValidationError{Reason: fmt.Sprintf("message %d has unsupported role %q", i, m.Role)}
		}
		if i > 0 && messages[i-1].Role == m.Role {
			return &ValidationError{Reason: fmt.Sprintf("message %d repeats role %q", i, m.Role)}
		}
	}

	if messages[0].Role != RoleUser {
		return &ValidationError{Reason: "first message must come from the user"}
	}
	if messages[len(messages)-1].Role != RoleUser {
		return &ValidationError{Reason: "last message must come from the user"}
	}

	return nil
}

// NewCompletionID returns a fresh "chatcmpl-" identifier.
func NewCompletionID() string {
	id := uuid.New()

	buf := make([]byte, 0, len(completionIDPrefix)+32)
	buf = append(buf, completionIDPrefix...)
	for _, b := range id {
		buf = fmt.Appendf(buf, "%02x", b)
	}
	return string(buf)
}
