// Package events implements the thin event bus of spec §4.H: typed
// progress/diagnostic notifications fanned out to non-blocking
// subscribers. It is built on github.com/docker/go-events' Sink/Event
// vocabulary (the same abstraction distribution-distribution's
// notifications package fans repository events out through), plus a
// custom bounded sink supplying the spec's drop-oldest backpressure
// policy that the stock library sinks don't provide.
package events

import (
	"sync"
	"time"

	goevents "github.com/docker/go-events"
	"github.com/google/uuid"

	"github.com/sps2/sps2/pkg/metrics"
)

// Category is one of the three event categories from spec §4.H.
type Category string

const (
	CategoryLifecycle  Category = "lifecycle"
	CategoryProgress   Category = "progress"
	CategoryDiagnostic Category = "diagnostic"
)

// DiagnosticLevel qualifies a Diagnostic event.
type DiagnosticLevel string

const (
	DiagnosticInfo  DiagnosticLevel = "info"
	DiagnosticWarn  DiagnosticLevel = "warn"
	DiagnosticError DiagnosticLevel = "error"
)

// Event is the typed payload published on the bus. It implements
// goevents.Event (an empty interface) so it can travel through a
// go-events Sink/Broadcaster unchanged.
type Event struct {
	ID          string
	Parent      string
	IssuedAt    time.Time
	Correlation string

	Category Category

	// Lifecycle fields
	Operation string // e.g. "install", "rollback"
	Phase     string // e.g. "started", "completed", "failed"

	// Progress fields
	Current int64
	Total   int64

	// Diagnostic fields
	Level   DiagnosticLevel
	Message string
	Context map[string]string
}

// Bus is a single-producer, multi-consumer typed channel. Publish never
// blocks the producer: subscribers that fall behind have their oldest
// buffered events dropped rather than back-pressuring the caller.
type Bus struct {
	mu          sync.RWMutex
	broadcaster *goevents.Broadcaster
	sinks       map[string]*boundedSink
	correlation string
}

// NewBus creates an empty event bus. correlation tags every event issued
// through it (typically the CLI invocation or transition id).
func NewBus(correlation string) *Bus {
	return &Bus{
		broadcaster: goevents.NewBroadcaster(),
		sinks:       make(map[string]*boundedSink),
		correlation: correlation,
	}
}

// Subscribe registers a new subscriber with a bounded buffer of the given
// capacity and returns a channel the caller can range over. name is used
// only for the sps2_events_dropped_total metric label.
func (b *Bus) Subscribe(name string, capacity int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sink := newBoundedSink(name, capacity)
	b.sinks[name] = sink
	_ = b.broadcaster.Add(sink)
	return sink.out
}

// Unsubscribe removes and closes a subscriber's sink.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sink, ok := b.sinks[name]
	if !ok {
		return
	}
	_ = b.broadcaster.Remove(sink)
	sink.Close()
	delete(b.sinks, name)
}

// Close shuts down every subscriber and the underlying broadcaster.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sink := range b.sinks {
		sink.Close()
	}
	b.sinks = map[string]*boundedSink{}
	return b.broadcaster.Close()
}

// Publish fills in ID/IssuedAt/Correlation if unset and fans the event out.
// It never blocks: the broadcaster writes to each sink synchronously, but
// every sink's Write is itself O(1) and non-blocking (see boundedSink).
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.IssuedAt.IsZero() {
		ev.IssuedAt = time.Now()
	}
	if ev.Correlation == "" {
		ev.Correlation = b.correlation
	}
	_ = b.broadcaster.Write(ev)
}

// Lifecycle publishes a Lifecycle event.
func (b *Bus) Lifecycle(operation, phase string) {
	b.Publish(Event{Category: CategoryLifecycle, Operation: operation, Phase: phase})
}

// Progress publishes a Progress event.
func (b *Bus) Progress(operation, phase string, current, total int64) {
	b.Publish(Event{Category: CategoryProgress, Operation: operation, Phase: phase, Current: current, Total: total})
}

// Diagnostic publishes a Diagnostic event.
func (b *Bus) Diagnostic(level DiagnosticLevel, message string, context map[string]string) {
	b.Publish(Event{Category: CategoryDiagnostic, Level: level, Message: message, Context: context})
}

// boundedSink implements goevents.Sink with a fixed-capacity ring buffer:
// once full, writing drops the oldest buffered event instead of blocking.
type boundedSink struct {
	name string
	out  chan Event
}

func newBoundedSink(name string, capacity int) *boundedSink {
	if capacity <= 0 {
		capacity = 64
	}
	return &boundedSink{name: name, out: make(chan Event, capacity)}
}

func (s *boundedSink) Write(event goevents.Event) error {
	ev, ok := event.(Event)
	if !ok {
		return nil
	}
	for {
		select {
		case s.out <- ev:
			return nil
		default:
		}
		// buffer full: drop the oldest event, then loop to try the send again.
		select {
		case <-s.out:
			metrics.EventsDroppedTotal.WithLabelValues(s.name).Inc()
		default:
			// raced with a consumer draining it; loop and try to send again.
		}
	}
}

func (s *boundedSink) Close() error {
	close(s.out)
	return nil
}
