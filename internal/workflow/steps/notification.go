package steps

import (
	"context"

	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Notification is one outbound message.
type Notification struct {
	Channel   string
	Template  string
	Recipient string
	Data      map[string]any
}

// Notifier delivers notifications over a transport.
type Notifier interface {
	Send(ctx context.Context, n Notification) (messageID string, err error)
}

// NotificationHandler executes notification steps. A delivery failure fails
// the step only when the step declares required_delivery; otherwise the
// failure is recorded and the workflow proceeds.
type NotificationHandler struct {
	noSuspend
	noCompensate
	notifier Notifier
}

// NewNotificationHandler creates the notification step handler.
func NewNotificationHandler(notifier Notifier) *NotificationHandler {
	return &NotificationHandler{notifier: notifier}
}

func (h *NotificationHandler) Type() models.StepType { return models.StepTypeNotification }

func (h *NotificationHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	channel, _ := req.Step.Config["channel"].(string)
	template, _ := req.Step.Config["template"].(string)
	recipient, _ := req.Step.Config["recipient"].(string)

	msgID, err := h.notifier.Send(ctx, Notification{
		Channel:   channel,
		Template:  template,
		Recipient: recipient,
		Data:      req.Input,
	})
	if err != nil {
		record := Record{Type: models.EventNotificationFailed, Payload: map[string]any{
			"channel": channel,
			"error":   err.Error(),
		}}
		if req.Step.RequiredDelivery {
			return &Outcome{
				Failed:        true,
				FailureReason: "required notification could not be delivered",
				Records:       []Record{record},
			}, nil
		}
		return &Outcome{
			Completed: true,
			Data:      map[string]any{"delivered": false},
			Records:   []Record{record},
		}, nil
	}

	return &Outcome{
		Completed: true,
		Data:      map[string]any{"delivered": true, "message_id": msgID},
		Records: []Record{{Type: models.EventNotificationSent, Payload: map[string]any{
			"channel":    channel,
			"message_id": msgID,
		}}},
	}, nil
}
