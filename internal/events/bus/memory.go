package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured: single-node deployments and tests. It honors the same subject
// grammar as NATS, including the * and > wildcards and queue groups.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	queues map[string]*queueState // queue:pattern -> round robin state
	closed bool
	logger *logger.Logger
}

// memorySub is one registered handler.
type memorySub struct {
	bus     *MemoryEventBus
	pattern string
	matcher *regexp.Regexp // nil when the pattern has no wildcards
	queue   string         // empty for broadcast subscriptions
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// queueState tracks which member of a queue group receives the next event.
type queueState struct {
	mu      sync.Mutex
	members []*memorySub
	next    int
}

// NewMemoryEventBus creates the in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		queues: make(map[string]*queueState),
		logger: log,
	}
}

// Publish delivers the event to every matching subscription. Broadcast
// subscriptions each receive it; a queue group receives it once, rotating
// through its members. Handlers run in their own goroutines, so a slow
// consumer cannot stall the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	var targets []*memorySub
	seenQueues := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.isActive() || !sub.matches(subject) {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		key := sub.queue + ":" + sub.pattern
		if seenQueues[key] {
			continue
		}
		seenQueues[key] = true
		if qs, ok := b.queues[key]; ok {
			if member := qs.pick(); member != nil {
				targets = append(targets, member)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		go func(s *memorySub) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("event handler error",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a broadcast handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

// QueueSubscribe registers a handler in a queue group; each published event
// reaches exactly one member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.add(subject, queue, handler)
}

func (b *MemoryEventBus) add(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySub{
		bus:     b,
		pattern: subject,
		matcher: compilePattern(subject),
		queue:   queue,
		handler: handler,
		active:  true,
	}
	b.subs = append(b.subs, sub)
	if queue != "" {
		key := queue + ":" + subject
		qs, ok := b.queues[key]
		if !ok {
			qs = &queueState{}
			b.queues[key] = qs
		}
		qs.mu.Lock()
		qs.members = append(qs.members, sub)
		qs.mu.Unlock()
	}
	return sub, nil
}

// Close deactivates every subscription.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.deactivate()
	}
	b.subs = nil
	b.queues = make(map[string]*queueState)
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySub) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if qs, ok := s.bus.queues[s.queue+":"+s.pattern]; ok {
			qs.mu.Lock()
			for i, m := range qs.members {
				if m == s {
					qs.members = append(qs.members[:i], qs.members[i+1:]...)
					break
				}
			}
			qs.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySub) IsValid() bool { return s.isActive() }

func (s *memorySub) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySub) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *memorySub) matches(subject string) bool {
	if s.matcher == nil {
		return subject == s.pattern
	}
	return s.matcher.MatchString(subject)
}

// pick returns the next active member of the queue group, or nil.
func (q *queueState) pick() *memorySub {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < len(q.members); i++ {
		idx := (q.next + i) % len(q.members)
		if q.members[idx].isActive() {
			q.next = (idx + 1) % len(q.members)
			return q.members[idx]
		}
	}
	return nil
}

// compilePattern converts a NATS-style subject pattern to a regexp. * matches
// one token, > matches the rest of the subject. Literal patterns return nil
// and match by string equality.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
