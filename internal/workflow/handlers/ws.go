package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/events/bus"
	"github.com/enerflow/enerflow/internal/tenant"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth is header-based and upstream terminates TLS; origin checks
	// belong to the gateway in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventStream streams appended workflow events to WebSocket clients, scoped
// to the connecting actor's tenant set.
type EventStream struct {
	eventBus bus.EventBus
	handlers *Handlers
}

// NewEventStream creates the stream endpoint.
func NewEventStream(eventBus bus.EventBus, h *Handlers) *EventStream {
	return &EventStream{eventBus: eventBus, handlers: h}
}

// RegisterRoutes mounts the stream at /api/v1/events/stream.
func (s *EventStream) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/v1/events/stream", s.httpStream)
}

func (s *EventStream) httpStream(c *gin.Context) {
	tc, ok := s.handlers.tenantContext(c)
	if !ok {
		return
	}
	if s.eventBus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming is not configured"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.handlers.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(ev *bus.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev)
	}

	sub, err := s.eventBus.Subscribe(bus.SubjectWorkflowEvents+".>", func(_ context.Context, ev *bus.Event) error {
		if !visibleTo(tc, ev) {
			return nil
		}
		if err := send(ev); err != nil {
			s.handlers.logger.Debug("websocket write failed", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		s.handlers.logger.Error("failed to subscribe event stream", zap.Error(err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Block reading until the client goes away; inbound messages are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// visibleTo applies tenant isolation to the stream: an event is forwarded
// only when its tenant is in the subscriber's tenant set.
func visibleTo(tc tenant.Context, ev *bus.Event) bool {
	tenantID, _ := ev.Data["tenant_id"].(string)
	return tc.CanAccess(tenantID)
}
