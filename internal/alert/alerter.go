package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/circuitbreaker"
	"github.com/emperorhan/cargo-escrow/internal/metrics"
)

type AlertType string

const (
	AlertTypeSettlementFailed AlertType = "SETTLEMENT_FAILED"
	AlertTypeBalanceDrift     AlertType = "BALANCE_DRIFT"
	AlertTypeUnsyncedDeposit  AlertType = "UNSYNCED_DEPOSIT"
	AlertTypeReconcileSummary AlertType = "RECONCILE_SUMMARY"
)

// Alert is a single operator notification. OrderRef scopes cooldown so
// repeated incidents for the same order are deduplicated.
type Alert struct {
	Type     AlertType
	OrderRef string
	Title    string
	Message  string
	Fields   map[string]string
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels with a per-key cooldown.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s", a.Type, a.OrderRef)
}

// Send dispatches alert to all channels unless the same key was sent within
// the cooldown window. It returns the first channel error.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)

	m.mu.Lock()
	now := m.now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"order_ref", alert.OrderRef,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch v := a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	case *GuardedAlerter:
		return alerterName(v.next)
	default:
		return "unknown"
	}
}

// GuardedAlerter wraps a channel with a circuit breaker so an unreachable
// endpoint stops consuming request time until it recovers.
type GuardedAlerter struct {
	next    Alerter
	breaker *circuitbreaker.Breaker
}

func NewGuardedAlerter(next Alerter, breaker *circuitbreaker.Breaker) *GuardedAlerter {
	return &GuardedAlerter{next: next, breaker: breaker}
}

func (g *GuardedAlerter) Send(ctx context.Context, alert Alert) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error { return g.next.Send(ctx, alert) })
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		metrics.AlertsCircuitOpenTotal.WithLabelValues(alerterName(g.next)).Inc()
	}
	return err
}

type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeSettlementFailed:
		emoji = ":rotating_light:"
	case AlertTypeBalanceDrift, AlertTypeUnsyncedDeposit:
		emoji = ":scales:"
	case AlertTypeReconcileSummary:
		emoji = ":clipboard:"
	}

	text := fmt.Sprintf("%s *[%s]* %s\n%s", emoji, alert.Type, alert.Title, alert.Message)
	if alert.OrderRef != "" {
		text += fmt.Sprintf("\n- *order*: %s", alert.OrderRef)
	}
	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			text += fmt.Sprintf("\n- *%s*: %s", k, alert.Fields[k])
		}
	}

	return postJSON(ctx, s.client, s.webhookURL, map[string]string{"text": text}, "slack")
}

// WebhookAlerter posts alerts to a generic HTTP endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":      string(alert.Type),
		"order_ref": alert.OrderRef,
		"title":     alert.Title,
		"message":   alert.Message,
		"fields":    alert.Fields,
		"time":      time.Now().UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.url, payload, "webhook")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, channel string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// NoopAlerter does nothing. Used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
