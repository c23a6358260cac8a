// Package types defines the shared data model for the task streaming core:
// prompt messages, content chunks, task submissions, task states, and the
// stream event envelope exchanged between workers and stream endpoints.
package types

import "fmt"

// Role identifies the author of a prompt message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single element of a prompt bundle.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Validate checks the message for well-formedness.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	return nil
}

// ValidateMessages validates an ordered prompt bundle.
func ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	for i, m := range messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	return nil
}
