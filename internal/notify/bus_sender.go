package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/events/bus"
)

const (
	subjectAll       = "agentgw.notify.all"
	subjectGroupFmt  = "agentgw.notify.group.%s"
	fieldMethod      = "method"
	fieldPayload     = "payload"
)

// BusSender implements Sender over an event bus, letting several gateway
// processes behind the same bus share one notification stream: each
// instance's Notifier publishes here, and Relay re-delivers every event to
// that instance's own local Sender (e.g. a websocket Hub).
type BusSender struct {
	bus       bus.EventBus
	namespace string
	logger    *logger.Logger
}

// NewBusSender wraps an EventBus, namespacing subjects so multiple
// deployments can share one NATS cluster without cross-talk.
func NewBusSender(b bus.EventBus, namespace string, log *logger.Logger) *BusSender {
	return &BusSender{bus: b, namespace: namespace, logger: log}
}

func (s *BusSender) subject(base string) string {
	if s.namespace == "" {
		return base
	}
	return s.namespace + "." + base
}

// SendAll publishes method/payload to every instance subscribed to the
// unscoped notification subject.
func (s *BusSender) SendAll(method string, payload any) {
	s.publish(s.subject(subjectAll), method, payload)
}

// SendToGroup publishes method/payload to instances subscribed to
// groupSlug's subject.
func (s *BusSender) SendToGroup(groupSlug, method string, payload any) {
	s.publish(s.subject(fmt.Sprintf(subjectGroupFmt, groupSlug)), method, payload)
}

func (s *BusSender) publish(subject, method string, payload any) {
	event := bus.NewEvent(method, "agentgw", map[string]interface{}{
		fieldMethod:  method,
		fieldPayload: payload,
	})
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.WithError(err).Warn("bus notify publish failed", zap.String("subject", subject))
	}
}

// Relay subscribes to every subject this BusSender can publish to and
// forwards received events to local, re-entering this process's own Sender
// (typically a websocket Hub) so remote-origin notifications reach
// locally-connected transports. groupSlugs lists the groups this instance
// cares about; pass none to relay only the unscoped stream.
func (s *BusSender) Relay(local Sender, groupSlugs ...string) error {
	handler := func(_ context.Context, event *bus.Event) error {
		data, _ := event.Data.(map[string]interface{})
		method, _ := data[fieldMethod].(string)
		payload := data[fieldPayload]
		local.SendAll(method, payload)
		return nil
	}
	if _, err := s.bus.Subscribe(s.subject(subjectAll), handler); err != nil {
		return fmt.Errorf("notify: failed to subscribe to %s: %w", subjectAll, err)
	}
	for _, slug := range groupSlugs {
		groupHandler := func(slug string) bus.EventHandler {
			return func(_ context.Context, event *bus.Event) error {
				data, _ := event.Data.(map[string]interface{})
				method, _ := data[fieldMethod].(string)
				payload := data[fieldPayload]
				local.SendToGroup(slug, method, payload)
				return nil
			}
		}(slug)
		subject := s.subject(fmt.Sprintf(subjectGroupFmt, slug))
		if _, err := s.bus.Subscribe(subject, groupHandler); err != nil {
			return fmt.Errorf("notify: failed to subscribe to %s: %w", subject, err)
		}
	}
	return nil
}
