// Package bus provides the in-process event bus connecting the circuit
// stages: topic-routed pub/sub with per-topic delivery order and a
// replayable event log.
//
// Delivery is synchronous and cooperative. Publish does not return until
// every matching subscriber has been invoked once for the event. A
// subscriber that panics is logged and skipped; the event still reaches
// the remaining subscribers and the log.
package bus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/canonicalize"
)

// Topic names used across the circuit. Publishers and subscribers share
// these exact strings.
const (
	TopicThresholdDetected  = "threshold.detected"
	TopicSimulationComplete = "simulation.complete"
	TopicDeliberationDone   = "deliberation.complete"
	TopicInterventionDone   = "intervention.complete"
	TopicCircuitComplete    = "circuit.complete"
	TopicCircuitCancelled   = "circuit.cancelled"
)

// Event is one record on the bus.
type Event struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
}

// Handler receives events. Handlers run on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	pattern string
	handler Handler
}

// Bus routes events by topic. Topics form a dotted namespace; a
// subscription pattern is an exact topic, a prefix pattern ending in
// ".*", or the lone wildcard "*".
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	log    []Event
	logger *slog.Logger
	clock  func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		logger: slog.Default().With("component", "bus"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Subscribe registers handler for every topic matching pattern.
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: handler})
}

// Unsubscribe removes the oldest subscription registered under pattern.
// Handler identity is not tracked.
func (b *Bus) Unsubscribe(pattern string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.pattern == pattern {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish appends the event to the log and delivers it synchronously to
// every matching subscriber in subscription order. The subscriber list is
// snapshotted before dispatch; handlers that subscribe or unsubscribe do
// not affect the in-flight delivery.
func (b *Bus) Publish(topic string, payload any, source string) (Event, error) {
	b.mu.Lock()
	ev := Event{
		Topic:     topic,
		Payload:   payload,
		Source:    source,
		Timestamp: b.clock().UTC(),
	}
	id, err := canonicalize.HashN(struct {
		Topic     string    `json:"topic"`
		Payload   any       `json:"payload"`
		Source    string    `json:"source"`
		Timestamp time.Time `json:"timestamp"`
	}{ev.Topic, ev.Payload, ev.Source, ev.Timestamp}, 12)
	if err != nil {
		b.mu.Unlock()
		return Event{}, fmt.Errorf("bus: event id: %w", err)
	}
	ev.EventID = id
	b.log = append(b.log, ev)
	snapshot := make([]subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		if !Match(s.pattern, topic) {
			continue
		}
		b.deliver(s, ev)
	}
	return ev, nil
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"topic", ev.Topic, "pattern", s.pattern, "event_id", ev.EventID, "panic", r)
		}
	}()
	s.handler(ev)
}

// Match reports whether pattern covers topic. Patterns are an exact
// topic, a dotted prefix ending in ".*", or "*".
func Match(pattern, topic string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == topic
	}
}

// Log returns a snapshot of every event published so far, in order.
func (b *Bus) Log() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}

// Export writes the event log as newline-delimited JSON.
func (b *Bus) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, ev := range b.Log() {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("bus: export event %d: %w", i, err)
		}
	}
	return nil
}

// ImportLog reads events previously written by Export.
func ImportLog(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("bus: import line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("bus: import: %w", err)
	}
	return events, nil
}
