package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// EventsHandler serves broadcast values as server-sent events, one JSON
// document per event.
type EventsHandler[T any] struct {
	broadcaster *Broadcaster[T]
	log         *slog.Logger
	event       string
}

// NewEventsHandler creates an SSE handler whose events are named event.
func NewEventsHandler[T any](b *Broadcaster[T], event string, log *slog.Logger) *EventsHandler[T] {
	return &EventsHandler[T]{broadcaster: b, event: event, log: log}
}

func (h *EventsHandler[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	h.log.Debug("event listener connected", "total", h.broadcaster.ListenerCount())
	defer h.log.Debug("event listener disconnected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-listener.C:
			data, err := json.Marshal(v)
			if err != nil {
				h.log.Warn("event not encodable", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", h.event, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
