package types

import "time"

// EventType tags an event on the stream bus.
type EventType string

const (
	EventStart           EventType = "start"
	EventChunk           EventType = "chunk"
	EventRetry           EventType = "retry"
	EventComplete        EventType = "complete"
	EventPartialComplete EventType = "partial_complete"
	EventError           EventType = "error"
	EventHeartbeat       EventType = "heartbeat"
	EventTimeout         EventType = "timeout"
	EventCancelled       EventType = "cancelled"
	EventConnected       EventType = "connected"
)

// Event is the bus payload. It is a flat envelope so any event round-trips
// through JSON without type registries; unused fields are omitted.
//
// Channel invariant: at most one terminal event (complete, partial_complete,
// error, timeout, cancelled) ends a stream, with no events after it.
type Event struct {
	Type EventType `json:"type"`

	// start
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// chunk / start / complete
	Timestamp int64  `json:"timestamp,omitempty"`
	Content   string `json:"content,omitempty"`
	Speaker   string `json:"speaker,omitempty"`

	// retry / error
	Attempt     *int    `json:"attempt,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
	RetryDelayS float64 `json:"retry_delay_s,omitempty"`
	RetryAt     int64   `json:"retry_at,omitempty"`
	ErrorKind   string  `json:"error_kind,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Error       string  `json:"error,omitempty"`

	// complete
	TotalContent     string  `json:"total_content,omitempty"`
	TokenCount       int     `json:"token_count,omitempty"`
	ResponseTimeS    float64 `json:"response_time_s,omitempty"`
	FormattedContent string  `json:"formatted_content,omitempty"`

	// partial_complete
	Partial bool `json:"partial,omitempty"`
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventPartialComplete, EventError, EventTimeout, EventCancelled:
		return true
	default:
		return false
	}
}

// Closes reports whether subscriptions should shut down after this event.
// A partial_complete is terminal for the task but is always followed by
// one error event carrying the reason, so it does not close the stream.
func (e Event) Closes() bool {
	return e.Terminal() && e.Type != EventPartialComplete
}

// StartEvent announces that a task attempt has begun streaming.
func StartEvent(sessionID, model string) Event {
	return Event{
		Type:      EventStart,
		SessionID: sessionID,
		Model:     model,
		Timestamp: time.Now().UnixNano(),
	}
}

// ChunkEvent wraps a provider chunk for fan-out.
func ChunkEvent(c Chunk) Event {
	return Event{
		Type:      EventChunk,
		Content:   c.Content,
		Timestamp: c.Timestamp,
		Speaker:   c.Speaker,
	}
}

// RetryEvent announces an upcoming retry.
func RetryEvent(attempt, maxAttempts int, delay time.Duration, kind, reason string) Event {
	a := attempt
	return Event{
		Type:        EventRetry,
		Attempt:     &a,
		MaxAttempts: maxAttempts,
		RetryDelayS: delay.Seconds(),
		RetryAt:     time.Now().Add(delay).Unix(),
		ErrorKind:   kind,
		Reason:      reason,
	}
}

// CompleteEvent carries the aggregate result of a successful stream.
func CompleteEvent(totalContent string, tokenCount int, elapsed time.Duration, speaker string) Event {
	return Event{
		Type:          EventComplete,
		TotalContent:  totalContent,
		TokenCount:    tokenCount,
		ResponseTimeS: elapsed.Seconds(),
		Speaker:       speaker,
		Timestamp:     time.Now().UnixNano(),
	}
}

// PartialCompleteEvent carries reconstructed content from a failed run.
func PartialCompleteEvent(content, errMsg, kind string) Event {
	return Event{
		Type:      EventPartialComplete,
		Content:   content,
		Error:     errMsg,
		ErrorKind: kind,
		Partial:   true,
	}
}

// ErrorEvent is the terminal failure event.
func ErrorEvent(errMsg, kind string, attempt int, reason string) Event {
	a := attempt
	return Event{
		Type:      EventError,
		Error:     errMsg,
		ErrorKind: kind,
		Attempt:   &a,
		Reason:    reason,
	}
}

// CancelledEvent terminates a stream after an explicit cancel.
func CancelledEvent(reason string) Event {
	return Event{Type: EventCancelled, Reason: reason}
}

// HeartbeatEvent keeps idle client connections alive.
func HeartbeatEvent() Event {
	return Event{Type: EventHeartbeat}
}

// TimeoutEvent signals that the endpoint's overall timeout elapsed.
func TimeoutEvent() Event {
	return Event{Type: EventTimeout}
}

// ConnectedEvent is sent to a client immediately after subscribing.
func ConnectedEvent(sessionID string) Event {
	return Event{Type: EventConnected, SessionID: sessionID}
}
