// Package notify is the outbound notification port. The engine decides which
// event fires and for whom; sinks only deliver. Delivery is fire-and-forget:
// a failing sink is logged and counted, never reported to the caller.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"revline/internal/metrics"
)

const defaultSinkTimeout = 3 * time.Second

// Notification is one (event_type, recipient, project_context) tuple.
type Notification struct {
	EventType  string         `json:"event_type"`
	Recipient  string         `json:"recipient"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload,omitempty"`

	// SubjectPrefix is the project's own prefix; sinks fall back to theirs.
	SubjectPrefix string `json:"-"`
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

type Dispatcher struct {
	sinks   []Sink
	log     zerolog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	queue  chan queuedBatch
	done   chan struct{}
	closed bool
}

type queuedBatch struct {
	ctx   context.Context
	items []Notification
}

func NewDispatcher(log zerolog.Logger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, log: log, metrics: m, timeout: defaultSinkTimeout}
}

// Start moves delivery onto a background worker fed by a queue of buffer
// batches. Until Start is called Dispatch delivers inline.
func (d *Dispatcher) Start(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil || d.closed {
		return d
	}
	d.queue = make(chan queuedBatch, buffer)
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		for b := range d.queue {
			d.deliver(b.ctx, b.items)
		}
	}()
	return d
}

// Close stops accepting queued work and waits for queued batches to be
// delivered. Later Dispatch calls deliver inline.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	queue, done := d.queue, d.done
	d.mu.Unlock()
	if queue != nil {
		close(queue)
		<-done
	}
}

// Dispatch hands every notification to every sink. Each sink call gets its
// own timeout detached from ctx cancellation, so a request that has already
// committed still notifies after the client disconnects. With a started
// worker the call never waits on a sink; a full queue drops the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, batch ...Notification) {
	if d == nil || len(d.sinks) == 0 || len(batch) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	d.mu.RLock()
	if d.queue != nil && !d.closed {
		select {
		case d.queue <- queuedBatch{ctx: base, items: batch}:
			d.mu.RUnlock()
			return
		default:
		}
		d.mu.RUnlock()
		for _, n := range batch {
			d.log.Warn().
				Str("event_type", n.EventType).
				Str("project_id", n.ProjectID).
				Msg("notification queue full, dropping")
			d.metrics.ObserveNotification(n.EventType, "dropped")
		}
		return
	}
	d.mu.RUnlock()
	d.deliver(base, batch)
}

func (d *Dispatcher) deliver(base context.Context, batch []Notification) {
	for _, n := range batch {
		for _, sink := range d.sinks {
			sctx, cancel := context.WithTimeout(base, d.timeout)
			err := safeNotify(sctx, sink, n)
			cancel()
			if err != nil {
				d.log.Warn().Err(err).
					Str("event_type", n.EventType).
					Str("project_id", n.ProjectID).
					Str("entity_id", n.EntityID).
					Msg("notification delivery failed (non-fatal)")
				d.metrics.ObserveNotification(n.EventType, "failed")
				continue
			}
			d.metrics.ObserveNotification(n.EventType, "delivered")
		}
	}
}

func safeNotify(ctx context.Context, sink Sink, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return sink.Notify(ctx, n)
}

type panicError struct{ value any }

func (p panicError) Error() string { return "sink panicked" }

// LogSink writes every notification to a zerolog logger.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) error {
	s.Log.Info().
		Str("event_type", n.EventType).
		Str("recipient", n.Recipient).
		Str("project_id", n.ProjectID).
		Str("entity_kind", n.EntityKind).
		Str("entity_id", n.EntityID).
		Interface("payload", n.Payload).
		Msg("notification")
	return nil
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Types returns the event types received, in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.items))
	for _, n := range r.items {
		out = append(out, n.EventType)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}
