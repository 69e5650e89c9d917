// Package events is a small typed publish/subscribe bus. Status
// transitions and gateway notifications are delivered through it so
// that subscription, unsubscription and delivery order are an explicit
// contract instead of ad-hoc callback lists.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc receives a published value for a topic.
type HandlerFunc func(any)

// SubjectOption configures a Subject.
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize int
	replayLast bool
	logger     *slog.Logger
}

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) { cfg.bufferSize = size }
}

// WithReplayLast makes new subscribers immediately receive the most
// recent value published on their topic, if any. Used for status so a
// late subscriber sees the current state without polling.
func WithReplayLast() SubjectOption {
	return func(cfg *subjectConfig) { cfg.replayLast = true }
}

// WithLogger sets the logger used for delivery problems.
func WithLogger(l *slog.Logger) SubjectOption {
	return func(cfg *subjectConfig) { cfg.logger = l }
}

// Subject routes published values to topic subscribers from a single
// delivery goroutine, so handlers for one topic never run concurrently
// with each other.
type Subject struct {
	mu     sync.Mutex
	subs   map[string]map[int64]HandlerFunc
	last   map[string]any
	nextID int64

	events   chan event
	shutdown chan struct{}
	done     chan struct{}
	closed   bool

	config subjectConfig
}

type event struct {
	topic string
	value any
}

// NewSubject creates a Subject and starts its delivery loop.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 128, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Subject{
		subs:     make(map[string]map[int64]HandlerFunc),
		last:     make(map[string]any),
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		config:   cfg,
	}
	go s.eventLoop()
	return s
}

// Emit publishes a value to a topic. It fails rather than blocking
// forever when the bus is saturated or shut down.
func Emit[T any](s *Subject, topic string, value T) error {
	select {
	case s.events <- event{topic: topic, value: value}:
		return nil
	case <-s.shutdown:
		return fmt.Errorf("emit %s: subject closed", topic)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emit %s: bus saturated", topic)
	}
}

// Subscribe registers a typed handler for a topic and returns an
// unsubscribe function. Values of the wrong type are logged and
// dropped, never delivered.
func Subscribe[T any](s *Subject, topic string, handler func(T)) (unsubscribe func()) {
	wrapped := HandlerFunc(func(v any) {
		typed, ok := v.(T)
		if !ok {
			s.config.logger.Warn("event type mismatch", "topic", topic, "got", fmt.Sprintf("%T", v))
			return
		}
		handler(typed)
	})

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[int64]HandlerFunc)
	}
	s.subs[topic][id] = wrapped
	var replay any
	hasReplay := false
	if s.config.replayLast {
		replay, hasReplay = s.last[topic]
	}
	s.mu.Unlock()

	if hasReplay {
		wrapped(replay)
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if handlers, ok := s.subs[topic]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(s.subs, topic)
			}
		}
	}
}

// Complete shuts down the delivery loop. Idempotent.
func (s *Subject) Complete() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
}

func (s *Subject) eventLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			s.mu.Lock()
			if s.config.replayLast {
				s.last[evt.topic] = evt.value
			}
			handlers := make([]HandlerFunc, 0, len(s.subs[evt.topic]))
			for _, h := range s.subs[evt.topic] {
				handlers = append(handlers, h)
			}
			s.mu.Unlock()

			for _, h := range handlers {
				h(evt.value)
			}
		}
	}
}
