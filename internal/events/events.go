// Package events is a small in-process pub/sub bus. The engine publishes
// run lifecycle events to it and the websocket feed subscribes per run.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

type event struct {
	topic   string
	message any
}

// Subscription is a handler attached to a topic. Unsubscribe detaches it.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

// Subject routes events from emitters to topic subscribers through a
// single delivery goroutine, so handlers for one topic are never called
// concurrently.
type Subject struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Subscription
	nextSubID   int64

	events   chan event
	shutdown chan struct{}
	closed   int32
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSubject creates a running Subject.
func NewSubject() *Subject {
	s := &Subject{
		subscribers: make(map[string]map[string]Subscription),
		events:      make(chan event, 512),
		shutdown:    make(chan struct{}),
		logger:      slog.Default().With("component", "events"),
	}
	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// Emit publishes a value to a topic. It fails rather than blocks when the
// bus is saturated.
func Emit[T any](s *Subject, topic string, value T) error {
	select {
	case s.events <- event{topic: topic, message: value}:
		return nil
	case <-s.shutdown:
		return fmt.Errorf("event bus is shut down")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("failed to emit event on %s: bus saturated", topic)
	}
}

// Subscribe attaches a typed handler to a topic.
func Subscribe[T any](s *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("type assertion failed for %T", data)
		}
		return handler(ctx, typed)
	})

	id := fmt.Sprintf("%s-%d", topic, atomic.AddInt64(&s.nextSubID, 1))
	sub := Subscription{Topic: topic, ID: id, Handler: wrapped}
	sub.Unsubscribe = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if topicSubs, ok := s.subscribers[topic]; ok {
			delete(topicSubs, id)
			if len(topicSubs) == 0 {
				delete(s.subscribers, topic)
			}
		}
	}

	s.mu.Lock()
	if _, ok := s.subscribers[topic]; !ok {
		s.subscribers[topic] = make(map[string]Subscription)
	}
	s.subscribers[topic][id] = sub
	s.mu.Unlock()

	return sub
}

// Complete shuts the bus down. Idempotent.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.shutdown)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Subject) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			s.mu.RLock()
			subs := make([]Subscription, 0, len(s.subscribers[evt.topic]))
			for _, sub := range s.subscribers[evt.topic] {
				subs = append(subs, sub)
			}
			s.mu.RUnlock()

			for _, sub := range subs {
				if err := sub.Handler(context.Background(), evt.message); err != nil {
					s.logger.Warn("event handler failed", "topic", evt.topic, "error", err)
				}
			}
		}
	}
}
