// Package notifications delivers outbound messages for notification steps.
// The default transport publishes to the event bus, where channel-specific
// dispatchers pick messages up; a memory sender backs local runs and tests.
package notifications

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/events/bus"
	"github.com/enerflow/enerflow/internal/workflow/steps"
)

// BusSender publishes notifications on the event bus.
type BusSender struct {
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewBusSender creates a bus-backed sender.
func NewBusSender(eventBus bus.EventBus, log *logger.Logger) *BusSender {
	if log == nil {
		log = logger.Default()
	}
	return &BusSender{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "notifications")),
	}
}

// Send publishes the notification; the bus event id doubles as message id.
func (s *BusSender) Send(ctx context.Context, n steps.Notification) (string, error) {
	ev := bus.NewEvent("notification.requested", "workflow-engine", map[string]any{
		"channel":   n.Channel,
		"template":  n.Template,
		"recipient": n.Recipient,
		"data":      n.Data,
	})
	if err := s.eventBus.Publish(ctx, bus.SubjectNotifications, ev); err != nil {
		return "", fmt.Errorf("failed to publish notification: %w", err)
	}
	s.logger.Debug("Queued notification",
		zap.String("channel", n.Channel),
		zap.String("template", n.Template),
		zap.String("message_id", ev.ID))
	return ev.ID, nil
}

// MemorySender records notifications in memory. Used in tests and local runs
// without a delivery backend.
type MemorySender struct {
	mu      sync.Mutex
	sent    []steps.Notification
	nextErr error
	counter int
}

// NewMemorySender creates an empty in-memory sender.
func NewMemorySender() *MemorySender { return &MemorySender{} }

// Send records the notification.
func (s *MemorySender) Send(_ context.Context, n steps.Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextErr != nil {
		err := s.nextErr
		s.nextErr = nil
		return "", err
	}
	s.sent = append(s.sent, n)
	s.counter++
	return fmt.Sprintf("mem-%d", s.counter), nil
}

// Sent returns a copy of the recorded notifications.
func (s *MemorySender) Sent() []steps.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]steps.Notification, len(s.sent))
	copy(out, s.sent)
	return out
}

// FailNext makes the next Send return err.
func (s *MemorySender) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErr = err
}
