// Package stream connects engine runs to their consumers. Each run gets a
// bounded event channel and an entry in the cancellation registry, so a stop
// or cancel request on a separate call can reach it.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// BufferSize is the capacity of a run's event channel.
	BufferSize = 256
	// DefaultChunkWait is how long Emit blocks on a full channel before
	// dropping a stream_chunk event.
	DefaultChunkWait = 250 * time.Millisecond
)

var (
	ErrUnknownRun    = errors.New("unknown run")
	ErrDuplicateRun  = errors.New("run already open")
	ErrInvalidReason = errors.New("invalid cancel reason")
)

// Reason says how a run is cancelled.
type Reason string

const (
	// ReasonSoft lets the current step finish and halts before the next.
	ReasonSoft Reason = "soft"
	// ReasonTimeout also cancels the run context, killing running processes.
	ReasonTimeout Reason = "timeout"
)

// ParseReason accepts "soft" and "timeout". Empty means soft.
func ParseReason(s string) (Reason, error) {
	switch Reason(s) {
	case "", ReasonSoft:
		return ReasonSoft, nil
	case ReasonTimeout:
		return ReasonTimeout, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, s)
	}
}

// Hub tracks open runs by ID.
type Hub struct {
	mu        sync.Mutex
	runs      map[string]*Run
	chunkWait time.Duration
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{runs: make(map[string]*Run), chunkWait: DefaultChunkWait}
}

// Open registers a run for ec and wires ec.Emit to it. A missing ec.RunID
// is generated. The run's context derives from parent.
func (h *Hub) Open(parent context.Context, ec *engine.ExecutionContext) (*Run, error) {
	if ec.RunID == "" {
		ec.RunID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Run{
		id:       ec.RunID,
		ec:       ec,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan engine.Event, BufferSize),
		detached: make(chan struct{}),
		wait:     h.chunkWait,
		hub:      h,
	}

	h.mu.Lock()
	if _, ok := h.runs[r.id]; ok {
		h.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRun, r.id)
	}
	h.runs[r.id] = r
	h.mu.Unlock()

	ec.Emit = r.Emit
	log.Debug().Str("run_id", r.id).Msg("stream opened")
	return r, nil
}

// Get returns the open run with the given ID.
func (h *Hub) Get(id string) (*Run, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	return r, ok
}

// IDs returns the IDs of open runs, sorted.
func (h *Hub) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.runs))
	for id := range h.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Cancel stops the run with the given ID.
func (h *Hub) Cancel(id string, reason Reason) error {
	if reason != ReasonSoft && reason != ReasonTimeout {
		return fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	r, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	r.Cancel(reason)
	return nil
}

// CancelAll force-cancels every open run. Used on shutdown.
func (h *Hub) CancelAll() {
	h.mu.Lock()
	runs := make([]*Run, 0, len(h.runs))
	for _, r := range h.runs {
		runs = append(runs, r)
	}
	h.mu.Unlock()
	for _, r := range runs {
		r.Cancel(ReasonTimeout)
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.runs, id)
	h.mu.Unlock()
}

// Run is one open stream.
type Run struct {
	id     string
	ec     *engine.ExecutionContext
	ctx    context.Context
	cancel context.CancelFunc

	events   chan engine.Event
	detached chan struct{}
	wait     time.Duration
	hub      *Hub

	detachOnce sync.Once
	closeOnce  sync.Once
	closed     atomic.Bool
	dropped    atomic.Int64
	reason     atomic.Value
}

// ID returns the run ID.
func (r *Run) ID() string { return r.id }

// Context is cancelled by a timeout cancel or by Close. Pass it to Execute.
func (r *Run) Context() context.Context { return r.ctx }

// Events returns the channel the consumer reads. It is closed by Close.
func (r *Run) Events() <-chan engine.Event { return r.events }

// Dropped returns the number of stream_chunk events dropped under backpressure.
func (r *Run) Dropped() int64 { return r.dropped.Load() }

// CancelReason returns the reason of the first cancel, if any.
func (r *Run) CancelReason() (Reason, bool) {
	v, ok := r.reason.Load().(Reason)
	return v, ok
}

// Emit delivers ev to the consumer. Chunks wait at most the chunk wait on a
// full channel and are then dropped. Lifecycle events wait until delivered
// or the consumer detaches.
func (r *Run) Emit(ev engine.Event) {
	if r.closed.Load() {
		return
	}
	select {
	case <-r.detached:
		return
	default:
	}
	if !ev.Type.Lifecycle() {
		timer := time.NewTimer(r.wait)
		defer timer.Stop()
		select {
		case r.events <- ev:
		case <-r.detached:
		case <-timer.C:
			if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
				log.Warn().Str("run_id", r.id).Int64("dropped", n).Msg("consumer too slow, dropping output chunks")
			}
		}
		return
	}
	select {
	case r.events <- ev:
	case <-r.detached:
	}
}

// Cancel requests a stop. A timeout cancel also cancels the run context.
func (r *Run) Cancel(reason Reason) {
	r.reason.CompareAndSwap(nil, reason)
	r.ec.RequestStop()
	if reason == ReasonTimeout {
		r.cancel()
	}
	log.Info().Str("run_id", r.id).Str("reason", string(reason)).Msg("run cancel requested")
}

// Detach marks the consumer as gone and requests a soft stop. Pending and
// future events are discarded.
func (r *Run) Detach() {
	r.detachOnce.Do(func() {
		close(r.detached)
		r.ec.RequestStop()
		log.Info().Str("run_id", r.id).Msg("stream consumer detached")
	})
}

// Close is called by the producer once the run has ended. It closes the
// event channel and removes the run from the hub.
func (r *Run) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.events)
		r.cancel()
		r.hub.remove(r.id)
	})
}
