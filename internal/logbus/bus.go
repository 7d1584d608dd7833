package logbus

import (
	"fmt"
	"sync"
	"time"

	"workshopd/internal/logging"
)

// Level classifies a log record for the admin stream.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Record is one structured log entry. Subscribers receive by-value copies.
type Record struct {
	ID        uint64         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

const (
	// DefaultCapacity is the ring size when none is configured.
	DefaultCapacity = 1000
	// DefaultBurst is how many recent records a new subscriber receives.
	DefaultBurst = 50

	// subscriberBuffer bounds the per-subscriber queue. A subscriber that
	// falls this far behind is dropped rather than back-pressured.
	subscriberBuffer = 256
)

// Subscriber receives published records in order. The channel is closed when
// the subscriber is removed or the bus shuts down.
type Subscriber struct {
	id uint64
	ch chan Record
}

// Records returns the delivery channel.
func (s *Subscriber) Records() <-chan Record {
	return s.ch
}

// Bus keeps the most recent records in a bounded ring and fans new records
// out to live subscribers. Publish never blocks the publisher.
type Bus struct {
	mu       sync.Mutex
	ring     []Record
	capacity int
	nextID   uint64
	subs     map[uint64]*Subscriber
	nextSub  uint64
	closed   bool
	mirror   logging.Logger
}

// New creates a bus holding at most capacity records. Records are mirrored to
// the process logger so the stream and stdout agree.
func New(capacity int, mirror logging.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ring:     make([]Record, 0, capacity),
		capacity: capacity,
		nextID:   1,
		subs:     make(map[uint64]*Subscriber),
		mirror:   logging.OrNop(mirror),
	}
}

// Publish appends a record to the ring and delivers it to every live
// subscriber. Subscribers whose queue is full are removed, not waited on.
func (b *Bus) Publish(level Level, source, message string, data map[string]any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	rec := Record{
		ID:        b.nextID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
		Data:      data,
	}
	b.nextID++

	if len(b.ring) == b.capacity {
		b.ring = append(b.ring[:0], b.ring[1:]...)
		b.ring = b.ring[:b.capacity-1]
	}
	b.ring = append(b.ring, rec)

	var dropped []*Subscriber
	for id, sub := range b.subs {
		select {
		case sub.ch <- rec:
		default:
			delete(b.subs, id)
			dropped = append(dropped, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		close(sub.ch)
	}

	switch level {
	case LevelDebug:
		b.mirror.Debug("[%s] %s", source, message)
	case LevelWarning:
		b.mirror.Warn("[%s] %s", source, message)
	case LevelError:
		b.mirror.Error("[%s] %s", source, message)
	default:
		b.mirror.Info("[%s] %s", source, message)
	}
}

// Recent returns copies of the newest k records, oldest first.
func (b *Bus) Recent(k int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k <= 0 || k > len(b.ring) {
		k = len(b.ring)
	}
	out := make([]Record, k)
	copy(out, b.ring[len(b.ring)-k:])
	return out
}

// Subscribe registers a new subscriber. The burst of recent records is queued
// on the channel before any live record, so ordering is preserved.
func (b *Bus) Subscribe(burst int) (*Subscriber, error) {
	if burst < 0 {
		burst = DefaultBurst
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("log bus is closed")
	}

	sub := &Subscriber{
		id: b.nextSub,
		ch: make(chan Record, subscriberBuffer+burst),
	}
	b.nextSub++

	start := len(b.ring) - burst
	if start < 0 {
		start = 0
	}
	for _, rec := range b.ring[start:] {
		sub.ch <- rec
	}

	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call more
// than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, live := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if live {
		close(sub.ch)
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes every subscriber and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}

type busLogger struct {
	bus    *Bus
	source string
}

// Logger returns a printf-style logger that publishes through the bus under
// the given source tag.
func (b *Bus) Logger(source string) logging.Logger {
	return &busLogger{bus: b, source: source}
}

func (l *busLogger) Debug(format string, args ...any) {
	l.bus.Publish(LevelDebug, l.source, fmt.Sprintf(format, args...), nil)
}

func (l *busLogger) Info(format string, args ...any) {
	l.bus.Publish(LevelInfo, l.source, fmt.Sprintf(format, args...), nil)
}

func (l *busLogger) Warn(format string, args ...any) {
	l.bus.Publish(LevelWarning, l.source, fmt.Sprintf(format, args...), nil)
}

func (l *busLogger) Error(format string, args ...any) {
	l.bus.Publish(LevelError, l.source, fmt.Sprintf(format, args...), nil)
}
