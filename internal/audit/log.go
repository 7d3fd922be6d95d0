package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Capacity is the default number of events retained in memory.
const Capacity = 1000

// Sink receives every recorded event after it has been retained in memory.
// Sinks are best-effort; their failures never reach the caller of Record.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Log is the append-only, capped security ledger.
type Log struct {
	mu       sync.RWMutex
	events   []Event // ring; oldest at head once full
	head     int
	capacity int
	sinks    []Sink
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Log.
type Option func(*Log)

// WithCapacity overrides the retention capacity.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithSink registers an additional sink.
func WithSink(s Sink) Option {
	return func(l *Log) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLog constructs an empty Log.
func NewLog(logger *slog.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		capacity: Capacity,
		logger:   logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddSink registers a sink after construction.
func (l *Log) AddSink(s Sink) {
	if l == nil || s == nil {
		return
	}
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Record retains the event and fans it out to the sinks. It never fails.
func (l *Log) Record(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now()
	}
	if event.ID == "" {
		event.ID = newID(event.CreatedAt)
	}
	if event.Severity == "" {
		event.Severity = defaultSeverity(event.Type)
	}
	event.Details = cloneDetails(event.Details)

	l.mu.Lock()
	if len(l.events) < l.capacity {
		l.events = append(l.events, event)
	} else {
		l.events[l.head] = event
		l.head = (l.head + 1) % l.capacity
	}
	sinks := l.sinks
	l.mu.Unlock()

	l.logger.Debug("audit event",
		slog.String("id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("action", event.Action),
		slog.String("user_id", event.UserID),
		slog.String("severity", string(event.Severity)),
	)
	for _, sink := range sinks {
		l.deliver(ctx, sink, event)
	}
}

func (l *Log) deliver(ctx context.Context, sink Sink, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("audit sink panic", slog.Any("error", fmt.Errorf("%v", rec)), slog.String("event_id", event.ID))
		}
	}()
	if err := sink.Write(ctx, event); err != nil {
		l.logger.Warn("audit sink write", slog.Any("error", err), slog.String("event_id", event.ID))
	}
}

// Recent returns up to limit events, most recent first. A non-positive limit
// returns everything retained.
func (l *Log) Recent(limit int) []Event {
	return l.collect(limit, nil)
}

// SecurityEvents returns up to limit security-relevant events, most recent first.
func (l *Log) SecurityEvents(limit int) []Event {
	return l.collect(limit, Event.IsSecurityEvent)
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Type        EventType
	UserID      string
	MinSeverity Severity
	Since       time.Time
	Limit       int
}

// Query returns events matching the filter, most recent first.
func (l *Log) Query(f Filter) []Event {
	minRank := f.MinSeverity.Rank()
	return l.collect(f.Limit, func(e Event) bool {
		if f.Type != "" && e.Type != f.Type {
			return false
		}
		if f.UserID != "" && e.UserID != f.UserID {
			return false
		}
		if minRank > 0 && e.Severity.Rank() < minRank {
			return false
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			return false
		}
		return true
	})
}

// Len reports how many events are retained.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func (l *Log) collect(limit int, keep func(Event) bool) []Event {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.events) {
		limit = len(l.events)
	}
	out := make([]Event, 0, limit)
	n := len(l.events)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		e := l.events[(l.head+i)%n]
		if keep != nil && !keep(e) {
			continue
		}
		e.Details = cloneDetails(e.Details)
		out = append(out, e)
	}
	return out
}
