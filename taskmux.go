// Package taskmux runs asynchronous LLM streaming tasks: submissions are
// dispatched onto priority queues, workers stream provider output onto a
// pub/sub bus, failed attempts are retried per error kind, and partial
// output survives failures in a TTL store.
//
// It can be used in two modes:
//   - Library mode: embed a Runtime in your own process
//   - Server mode: run cmd/server as a standalone HTTP service
//
// Basic usage:
//
//	rt, err := taskmux.New(
//	    taskmux.WithProvider(taskmux.ProviderConfig{
//	        Name:   "gemini",
//	        Type:   "gemini",
//	        APIKey: os.Getenv("GEMINI_API_KEY"),
//	        Models: []string{"gemini-1.5-flash"},
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt.Start(ctx)
//	defer rt.Shutdown(context.Background())
//
//	taskID, err := rt.Dispatch(ctx, taskmux.Submission{
//	    SessionID: "sess-1",
//	    ModelName: "gemini/gemini-1.5-flash",
//	    Messages:  []taskmux.Message{{Role: taskmux.RoleUser, Content: "Hello!"}},
//	})
package taskmux

import (
	"github.com/taskmux/taskmux/internal/config"
	"github.com/taskmux/taskmux/internal/control"
	"github.com/taskmux/taskmux/pkg/provider"
	"github.com/taskmux/taskmux/pkg/types"
)

// Version is the current version of taskmux.
const Version = "1.0.0"

// Re-export core types for convenience so embedders rarely need to
// import the subpackages.
type (
	// Submission is a request for a streamed completion.
	Submission = types.Submission

	// Message is a single prompt message.
	Message = types.Message

	// Chunk is one unit of streamed content.
	Chunk = types.Chunk

	// Event is the stream bus payload.
	Event = types.Event

	// EventType tags a stream event.
	EventType = types.EventType

	// ProviderConfig configures one upstream LLM provider.
	ProviderConfig = provider.Config

	// Provider is the LLM backend adapter interface.
	Provider = provider.Provider

	// Config is the full runtime configuration.
	Config = config.Config

	// TaskStatus is the control-plane view of one task.
	TaskStatus = control.Status

	// Health is the worker pool health report.
	Health = control.Health
)

// Message role constants.
const (
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleSystem    = types.RoleSystem
)

// Queue names.
const (
	QueueLLM       = types.QueueLLM
	QueueFeedback  = types.QueueFeedback
	QueueAnalytics = types.QueueAnalytics
	QueueQuick     = types.QueueQuick
	QueueDefault   = types.QueueDefault
)

// DefaultConfig returns the runtime defaults.
func DefaultConfig() *Config { return config.DefaultConfig() }

// StreamChannel builds the bus channel name for a session.
func StreamChannel(sessionID string) string { return types.StreamChannel(sessionID) }
