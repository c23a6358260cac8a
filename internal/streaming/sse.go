// Package streaming serves bus channels to HTTP clients as Server-Sent
// Events with heartbeats and an overall timeout.
package streaming

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/taskmux/taskmux/internal/bus"
	"github.com/taskmux/taskmux/internal/metrics"
	"github.com/taskmux/taskmux/pkg/types"
)

// Options tune the stream endpoint. Per-request query parameters
// override the defaults within the configured ceilings.
type Options struct {
	HeartbeatInterval time.Duration
	StreamTimeout     time.Duration
}

// DefaultOptions returns the documented endpoint defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 15 * time.Second,
		StreamTimeout:     300 * time.Second,
	}
}

// Handler streams one bus channel per request.
type Handler struct {
	bus    bus.Bus
	opts   atomic.Pointer[Options]
	logger *slog.Logger
}

// NewHandler builds the stream endpoint over a bus.
func NewHandler(b bus.Bus, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{bus: b, logger: logger}
	h.SetOptions(opts)
	return h
}

// SetOptions swaps the endpoint defaults. Streams already attached keep
// the values they started with.
func (h *Handler) SetOptions(opts Options) {
	if opts.HeartbeatInterval <= 0 {
		opts = DefaultOptions()
	}
	h.opts.Store(&opts)
}

// ServeHTTP handles GET /stream/{session_id}?timeout_s=300&heartbeat_s=15.
//
// The first event is always connected. A heartbeat goes out when no real
// event arrived within the heartbeat interval. When the overall timeout
// elapses, a timeout event is written and the handler detaches; a client
// disconnect detaches silently without cancelling the task.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	opts := *h.opts.Load()
	heartbeat := h.durationParam(r, "heartbeat_s", opts.HeartbeatInterval)
	timeout := h.durationParam(r, "timeout_s", opts.StreamTimeout)

	ctx := r.Context()
	channel := types.StreamChannel(sessionID)
	sub, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("stream subscribe failed", "channel", channel, "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer func() { _ = sub.Close() }()

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, types.ConnectedEvent(sessionID)); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	overall := time.NewTimer(timeout)
	defer overall.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away. Other subscribers may still be attached,
			// so the task keeps running.
			return

		case <-overall.C:
			_ = writeEvent(w, types.TimeoutEvent())
			flusher.Flush()
			return

		case <-ticker.C:
			if err := writeEvent(w, types.HeartbeatEvent()); err != nil {
				return
			}
			flusher.Flush()

		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(heartbeat)
			if ev.Closes() {
				return
			}
		}
	}
}

// durationParam reads a whole-second query override, capped at ten times
// the configured default.
func (h *Handler) durationParam(r *http.Request, name string, def time.Duration) time.Duration {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return def
	}
	d := time.Duration(secs) * time.Second
	if max := def * 10; d > max {
		return max
	}
	return d
}

// writeEvent serializes one SSE block. Events typed "message" omit the
// event tag line per the SSE default-event convention.
func writeEvent(w io.Writer, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Type != "" && ev.Type != "message" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
