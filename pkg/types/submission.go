package types

import "fmt"

// Queue names with their static priorities. Higher priority wins when a
// worker is bound to several queues.
const (
	QueueLLM       = "llm"
	QueueFeedback  = "feedback"
	QueueAnalytics = "analytics"
	QueueQuick     = "quick"
	QueueDefault   = "default"
)

// QueuePriority maps a queue name to its static priority.
// Unknown queues get the default priority.
func QueuePriority(queue string) int {
	switch queue {
	case QueueLLM:
		return 3
	case QueueFeedback:
		return 5
	case QueueAnalytics:
		return 7
	case QueueQuick:
		return 9
	default:
		return 5
	}
}

// KnownQueues lists the built-in queues in priority order, highest first.
func KnownQueues() []string {
	return []string{QueueQuick, QueueAnalytics, QueueFeedback, QueueDefault, QueueLLM}
}

// Submission is a request for a streamed chat completion.
type Submission struct {
	// SessionID identifies the fan-out channel ("stream:{session_id}").
	SessionID string `json:"session_id"`

	// ModelName is provider-qualified, e.g. "gemini/gemini-1.5-flash".
	ModelName string `json:"model_name"`

	Messages []Message `json:"messages"`

	// Metadata is an opaque passthrough (speaker label, user id, parent
	// session id, ...). It travels with the task and is attached to
	// persisted partial records.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Queue is optional; empty routes through the dispatcher's table.
	Queue string `json:"queue,omitempty"`
}

// Validate checks the submission for dispatchability.
func (s *Submission) Validate() error {
	if s == nil {
		return fmt.Errorf("submission is nil")
	}
	if s.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if s.ModelName == "" {
		return fmt.Errorf("model_name is required")
	}
	return ValidateMessages(s.Messages)
}

// Channel returns the primary stream channel for the submission.
func (s *Submission) Channel() string {
	return StreamChannel(s.SessionID)
}

// StreamChannel builds the conventional channel name for a session.
func StreamChannel(sessionID string) string {
	return "stream:" + sessionID
}
