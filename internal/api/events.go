package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

const sseKeepAlive = 15 * time.Second

// EventHandler streams thread events as server-sent events.
type EventHandler struct {
	subscriber core.EventSubscriber
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(subscriber core.EventSubscriber) *EventHandler {
	return &EventHandler{subscriber: subscriber}
}

// Thread handles GET /ojs/v1/threads/{address}/events
func (h *EventHandler) Thread(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	events, unsubscribe, err := h.subscriber.SubscribeThread(addr)
	if err != nil {
		HandleError(w, core.NewInternalError(fmt.Sprintf("subscribing to events: %v", err)))
		return
	}
	defer unsubscribe()
	h.stream(w, r, events)
}

// All handles GET /ojs/v1/events
func (h *EventHandler) All(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe, err := h.subscriber.SubscribeAll()
	if err != nil {
		HandleError(w, core.NewInternalError(fmt.Sprintf("subscribing to events: %v", err)))
		return
	}
	defer unsubscribe()
	h.stream(w, r, events)
}

func (h *EventHandler) stream(w http.ResponseWriter, r *http.Request, events <-chan *core.ThreadEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		HandleError(w, core.NewInternalError("streaming is not supported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				slog.Error("failed to encode event", "error", err, "type", event.Type)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
