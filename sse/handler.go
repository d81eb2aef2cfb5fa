// Package sse provides a Server-Sent Events handler for streaming connection
// status changes to HTTP clients. A stream starts with a snapshot of the
// current state and continues with live changes from the event bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/petal-labs/toolconn/bus"
	"github.com/petal-labs/toolconn/connection"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

const (
	// EventSnapshot carries the current ToolConnection when a stream opens.
	EventSnapshot = "snapshot"
	// EventStatus carries one live StatusChange.
	EventStatus = "status"
)

// StatusSource reports current connection state.
type StatusSource interface {
	ConnectionStatus(toolID string) connection.ToolConnection
	Connections() []connection.ToolConnection
}

// Handler serves an SSE stream of status changes for one tool, or for every
// tool when the request has no "id" path value.
//
// SSE format:
//
//	id: {n}
//	event: snapshot|status
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every HeartbeatInterval. The
// stream ends when the client disconnects or the bus is closed.
type Handler struct {
	bus       bus.EventBus
	source    StatusSource
	heartbeat time.Duration
}

// NewHandler creates a handler. source may be nil to skip the snapshot.
func NewHandler(eb bus.EventBus, source StatusSource) *Handler {
	return &Handler{
		bus:       eb,
		source:    source,
		heartbeat: HeartbeatInterval,
	}
}

// WithHeartbeat returns a copy of h using interval between heartbeats.
func (h *Handler) WithHeartbeat(interval time.Duration) *Handler {
	clone := *h
	if interval > 0 {
		clone.heartbeat = interval
	}
	return &clone
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	toolID := r.PathValue("id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before the snapshot so no change between the two is lost.
	var sub bus.Subscription
	if toolID == "" {
		sub = h.bus.SubscribeAll()
	} else {
		sub = h.bus.Subscribe(toolID)
	}
	defer sub.Close()

	var seq uint64
	if h.source != nil {
		snapshot := h.source.Connections()
		if toolID != "" {
			snapshot = []connection.ToolConnection{h.source.ConnectionStatus(toolID)}
		}
		for _, conn := range snapshot {
			seq++
			if err := writeSSEEvent(w, seq, EventSnapshot, conn); err != nil {
				return
			}
		}
		flusher.Flush()
	}

	h.streamLive(r.Context(), w, flusher, sub, seq)
}

func (h *Handler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	seq uint64,
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case change, ok := <-sub.Events():
			if !ok {
				return
			}
			seq++
			if err := writeSSEEvent(w, seq, EventStatus, change); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, seq uint64, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, kind, data)
	return err
}
