// Package events records registry domain events. Each successful registry call
// emits exactly one event; the Log numbers them, keeps recent history for
// replay, fans them out to live subscribers and hands them to durable sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Kind names a registry event.
type Kind string

const (
	KindPermissionGranted      Kind = "PermissionGranted"
	KindPermissionEvaluated    Kind = "PermissionEvaluated"
	KindPermissionLevelUpdated Kind = "PermissionLevelUpdated"
	KindPermissionRevoked      Kind = "PermissionRevoked"
)

// Event is one entry in the registry's event log. Payloads carry ids and
// addresses only, never handles.
type Event struct {
	Sequence     uint64             `cbor:"1,keyasint" json:"sequence"`
	ID           uuid.UUID          `cbor:"2,keyasint" json:"id"`
	Kind         Kind               `cbor:"3,keyasint" json:"kind"`
	PermissionID uint64             `cbor:"4,keyasint" json:"permission_id"`
	Actor        models.Address     `cbor:"5,keyasint" json:"actor"`
	ResourceID   *models.ResourceID `cbor:"6,keyasint,omitempty" json:"resource_id,omitempty"`
	Time         time.Time          `cbor:"7,keyasint" json:"time"`
}

// Sink persists or forwards emitted events. Append is called in sequence order.
type Sink interface {
	Append(ctx context.Context, event *Event) error
}

// Emitter is the write side used by the registry.
type Emitter interface {
	Emit(ctx context.Context, kind Kind, permissionID uint64, actor models.Address, resourceID *models.ResourceID) Event
}

// Option configures a Log.
type Option func(*Log)

// WithSink adds a durable sink, such as the journal.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, s) }
}

// WithHistory seeds the log with previously persisted events. The next
// sequence continues after the last one.
func WithHistory(history []Event) Option {
	return func(l *Log) {
		l.history = append(l.history, history...)
		if n := len(history); n > 0 && history[n-1].Sequence > l.seq {
			l.seq = history[n-1].Sequence
		}
	}
}

// WithLastSequence continues numbering after seq. Use it when older events
// were archived and are no longer part of the history.
func WithLastSequence(seq uint64) Option {
	return func(l *Log) {
		if seq > l.seq {
			l.seq = seq
		}
	}
}

// WithHistoryLimit bounds the in-memory replay buffer. Zero keeps everything.
func WithHistoryLimit(n int) Option {
	return func(l *Log) { l.limit = n }
}

// WithSubscriberBuffer sets the per-subscriber channel size.
func WithSubscriberBuffer(n int) Option {
	return func(l *Log) { l.buffer = n }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

var _ Emitter = (*Log)(nil)

// Log is the in-process event log.
type Log struct {
	emitMu sync.Mutex // orders sequence assignment with sink appends

	mu      sync.RWMutex
	seq     uint64
	history []Event
	subs    map[*Subscription]struct{}

	sinks  []Sink
	limit  int
	buffer int
	now    func() time.Time
}

// NewLog creates an event log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		subs:   make(map[*Subscription]struct{}),
		limit:  10000,
		buffer: 256,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.trimLocked()
	return l
}

// Emit records an event and delivers it. Sink failures are logged and counted
// but do not fail the call: the registry mutation has already committed.
func (l *Log) Emit(ctx context.Context, kind Kind, permissionID uint64, actor models.Address, resourceID *models.ResourceID) Event {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	l.mu.Lock()
	l.seq++
	ev := Event{
		Sequence:     l.seq,
		ID:           id,
		Kind:         kind,
		PermissionID: permissionID,
		Actor:        actor,
		ResourceID:   resourceID,
		Time:         l.now(),
	}
	l.history = append(l.history, ev)
	l.trimLocked()
	for sub := range l.subs {
		select {
		case sub.ch <- ev:
		default:
			// slow subscriber, it will reconnect from its last sequence
			l.dropLocked(sub)
			telemetry.GetMetrics().EventsDroppedTotal.Add(ctx, 1)
			log.Warn().Uint64("sequence", ev.Sequence).Msg("Dropping slow event subscriber")
		}
	}
	l.mu.Unlock()

	// the caller going away must not lose an event whose mutation committed
	sinkCtx := context.WithoutCancel(ctx)
	for _, sink := range l.sinks {
		if err := sink.Append(sinkCtx, &ev); err != nil {
			telemetry.GetMetrics().JournalAppendErrors.Add(ctx, 1)
			log.Error().Err(err).
				Uint64("sequence", ev.Sequence).
				Str("kind", string(ev.Kind)).
				Msg("Failed to append event to sink")
		}
	}

	telemetry.GetMetrics().EventsEmittedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", string(kind))))

	log.Debug().
		Uint64("sequence", ev.Sequence).
		Str("kind", string(kind)).
		Uint64("permission_id", permissionID).
		Msg("Event emitted")

	return ev
}

// LastSequence returns the sequence of the most recent event, zero if none.
func (l *Log) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Since returns retained events with a sequence greater than from.
func (l *Log) Since(from uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sinceLocked(from)
}

// Subscription is a live view of the log.
type Subscription struct {
	// Backlog holds retained events after the requested sequence at the time
	// of subscribing. C continues directly after the last backlog event.
	Backlog []Event

	ch  chan Event
	log *Log
}

// C delivers live events. It is closed when the subscription ends, either by
// Close or because the subscriber fell behind.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.log.dropLocked(s)
}

// Subscribe returns the retained events after from and a channel of new ones,
// with no gap or overlap between the two.
func (l *Log) Subscribe(ctx context.Context, from uint64) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &Subscription{
		Backlog: l.sinceLocked(from),
		ch:      make(chan Event, l.buffer),
		log:     l,
	}
	l.subs[sub] = struct{}{}
	telemetry.GetMetrics().ActiveSubscribers.Add(ctx, 1)

	return sub
}

func (l *Log) dropLocked(sub *Subscription) {
	if _, ok := l.subs[sub]; !ok {
		return
	}
	delete(l.subs, sub)
	close(sub.ch)
	telemetry.GetMetrics().ActiveSubscribers.Add(context.Background(), -1)
}

func (l *Log) sinceLocked(from uint64) []Event {
	// history is sorted by sequence
	start := len(l.history)
	for i, ev := range l.history {
		if ev.Sequence > from {
			start = i
			break
		}
	}
	out := make([]Event, len(l.history)-start)
	copy(out, l.history[start:])
	return out
}

func (l *Log) trimLocked() {
	if l.limit > 0 && len(l.history) > l.limit {
		l.history = append([]Event(nil), l.history[len(l.history)-l.limit:]...)
	}
}
