package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEWriter writes server-sent events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers on w. It fails if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one "event: <name>\ndata: <json>\n\n" frame and flushes.
func (s *SSEWriter) WriteEvent(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Pump forwards the run's events to s until the channel is closed. If ctx
// ends first, or a write fails, the consumer is detached, which requests a
// soft stop, and Pump returns.
func Pump(ctx context.Context, r *Run, s *SSEWriter) error {
	for {
		select {
		case <-ctx.Done():
			r.Detach()
			return ctx.Err()
		case ev, ok := <-r.Events():
			if !ok {
				return nil
			}
			if err := s.WriteEvent(string(ev.Type), ev); err != nil {
				log.Warn().Err(err).Str("run_id", r.ID()).Msg("stream write failed")
				r.Detach()
				return err
			}
		}
	}
}
