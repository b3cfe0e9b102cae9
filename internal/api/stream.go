package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pbulloch/swaprouter/internal/engine"
	"github.com/pbulloch/swaprouter/internal/model"
	"github.com/pbulloch/swaprouter/internal/store"
)

// handleOrderEvents streams an order's lifecycle events over SSE. The first
// event is always a snapshot of the current persisted status; an order that
// is already terminal gets the snapshot and an immediate done event.
func (s *Server) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	o, err := s.orders.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.logger.Error("get order for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snapshot := engine.StatusUpdate{
		OrderID:   o.ID,
		Status:    o.Status,
		Timestamp: o.UpdatedAt,
	}

	if model.TerminalStatus(o.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEUpdate(w, snapshot)
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe with the snapshot. Safe even if the order finished between
	// the read above and this call: subscribing to a closed topic yields the
	// snapshot followed by a closed channel, ending the loop below.
	ch, unsub := s.engine.Broker().Subscribe(id, snapshot)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case u, ok := <-ch:
			if !ok {
				// Order reached its terminal state; signal end of stream.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEUpdate(w, u); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEUpdate writes a status update as a single-line JSON SSE data event.
func writeSSEUpdate(w http.ResponseWriter, u engine.StatusUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
