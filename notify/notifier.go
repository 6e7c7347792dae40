// Package notify fans strategy lifecycle and ticket state changes out to
// configured channels. Delivery is fire-and-forget: a dead webhook slows or
// fails its own channel, never the state machine that emitted the event.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"bkaudit/core"
	"bkaudit/metrics"

	"go.uber.org/zap"
)

// ChannelType selects a delivery mechanism.
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelLog     ChannelType = "log"
)

// ChannelConfig configures one delivery channel.
type ChannelConfig struct {
	Type    ChannelType       `json:"type"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Event is the wire payload sent to channels.
type Event struct {
	Kind       string    `json:"kind"` // strategy_lifecycle | ticket_state
	EntityID   string    `json:"entity_id"`
	EntityName string    `json:"entity_name,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier implements both the lifecycle and the ticket notification
// surfaces over a shared channel set.
type Notifier struct {
	channels []ChannelConfig
	client   *http.Client
	logger   *zap.SugaredLogger
	wg       sync.WaitGroup
}

// NewNotifier creates a notifier over the given channels.
func NewNotifier(channels []ChannelConfig, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		channels: channels,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// StrategyLifecycleChanged emits a strategy control-state change.
func (n *Notifier) StrategyLifecycleChanged(s *core.Strategy, from, to core.ControlState, reason string) {
	n.dispatch(Event{
		Kind:       "strategy_lifecycle",
		EntityID:   s.ID,
		EntityName: s.Name,
		From:       string(from),
		To:         string(to),
		Reason:     reason,
		Recipients: s.NotifyGroups,
		OccurredAt: time.Now().UTC(),
	})
}

// TicketStateChanged emits a risk ticket state change.
func (n *Notifier) TicketStateChanged(t *core.RiskTicket, from, to core.TicketState) {
	recipients := t.NotifyUsers
	if t.Assignee != "" {
		recipients = append(append([]string(nil), recipients...), t.Assignee)
	}
	n.dispatch(Event{
		Kind:       "ticket_state",
		EntityID:   t.ID,
		From:       string(from),
		To:         string(to),
		Recipients: recipients,
		OccurredAt: time.Now().UTC(),
	})
}

func (n *Notifier) dispatch(event Event) {
	for _, ch := range n.channels {
		ch := ch
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.deliver(ch, event); err != nil {
				metrics.NotificationsSent.WithLabelValues(string(ch.Type), "error").Inc()
				n.logger.Errorw("Notification delivery failed",
					"channel", ch.Type, "url", ch.URL, "kind", event.Kind, "error", err)
				return
			}
			metrics.NotificationsSent.WithLabelValues(string(ch.Type), "ok").Inc()
		}()
	}
}

func (n *Notifier) deliver(ch ChannelConfig, event Event) error {
	switch ch.Type {
	case ChannelLog:
		n.logger.Infow("Notification",
			"kind", event.Kind, "entity_id", event.EntityID,
			"from", event.From, "to", event.To, "reason", event.Reason)
		return nil
	case ChannelWebhook:
		return n.deliverWebhook(ch, event)
	default:
		return fmt.Errorf("unknown notification channel type %q", ch.Type)
	}
}

func (n *Notifier) deliverWebhook(ch ChannelConfig, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, ch.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until all in-flight deliveries complete. Used on shutdown and
// in tests.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
