package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/logging"
)

// SSEHandler streams broadcaster values to HTTP clients as server-sent
// events, one JSON document per event.
type SSEHandler[T any] struct {
	broadcaster *Broadcaster[T]
	event       string
	logger      zerolog.Logger
}

// NewSSEHandler creates a handler emitting values under the given event name.
func NewSSEHandler[T any](b *Broadcaster[T], event string, logger zerolog.Logger) *SSEHandler[T] {
	return &SSEHandler[T]{
		broadcaster: b,
		event:       event,
		logger:      logging.Component(logger, "sse").With().Str("event", event).Logger(),
	}
}

func (h *SSEHandler[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	h.logger.Debug().Int("listeners", h.broadcaster.ListenerCount()).Msg("client connected")
	defer h.logger.Debug().Msg("client disconnected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.Done():
			return
		case v := <-listener.C:
			data, err := json.Marshal(v)
			if err != nil {
				h.logger.Warn().Err(err).Msg("encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", h.event, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
