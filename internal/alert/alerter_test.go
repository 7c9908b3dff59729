package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:     AlertTypeSettlementFailed,
		OrderRef: "ORD-01J0000000000000000000000",
		Title:    "Deposit confirmation rolled back",
		Message:  "order update failed after deposit write",
		Fields: map[string]string{
			"deposit_ref": "DEP-01J0000000000000000000000",
			"error":       "constraint violation",
		},
	}
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestMultiAlerter_Send_AllChannels(t *testing.T) {
	slackSrv, slackReceived := countingServer(t, http.StatusOK)
	webhookSrv, webhookReceived := countingServer(t, http.StatusOK)

	multi := NewMultiAlerter(time.Hour, testLogger(),
		NewSlackAlerter(slackSrv.URL), NewWebhookAlerter(webhookSrv.URL))

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), slackReceived.Load())
	assert.Equal(t, int32(1), webhookReceived.Load())
}

func TestMultiAlerter_CooldownPerOrder(t *testing.T) {
	srv, received := countingServer(t, http.StatusOK)
	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	multi.now = func() time.Time { return now }

	a := testAlert()
	require.NoError(t, multi.Send(context.Background(), a))
	require.NoError(t, multi.Send(context.Background(), a))
	assert.Equal(t, int32(1), received.Load(), "duplicate within cooldown is suppressed")

	other := a
	other.OrderRef = "ORD-other"
	require.NoError(t, multi.Send(context.Background(), other))
	assert.Equal(t, int32(2), received.Load(), "a different order is a different key")

	now = now.Add(time.Minute)
	require.NoError(t, multi.Send(context.Background(), a))
	assert.Equal(t, int32(3), received.Load(), "cooldown expired")
}

func TestMultiAlerter_ReturnsFirstError(t *testing.T) {
	bad, _ := countingServer(t, http.StatusInternalServerError)
	good, goodReceived := countingServer(t, http.StatusOK)

	multi := NewMultiAlerter(time.Hour, testLogger(), NewWebhookAlerter(bad.URL), NewWebhookAlerter(good.URL))
	err := multi.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(1), goodReceived.Load(), "later channels still receive the alert")
}

func TestWebhookAlerter_Payload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookAlerter(srv.URL).Send(context.Background(), testAlert()))
	assert.Equal(t, "SETTLEMENT_FAILED", got["type"])
	assert.Equal(t, "ORD-01J0000000000000000000000", got["order_ref"])
	fields := got["fields"].(map[string]any)
	assert.Equal(t, "DEP-01J0000000000000000000000", fields["deposit_ref"])
}

func TestSlackAlerter_TextIncludesFields(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), testAlert()))
	text := got["text"]
	assert.Contains(t, text, ":rotating_light:")
	assert.Contains(t, text, "[SETTLEMENT_FAILED]")
	assert.Contains(t, text, "*deposit_ref*: DEP-01J0000000000000000000000")
	assert.Contains(t, text, "*order*: ORD-01J0000000000000000000000")
}

func TestGuardedAlerter_OpensAfterFailures(t *testing.T) {
	srv, received := countingServer(t, http.StatusBadGateway)
	guarded := NewGuardedAlerter(NewWebhookAlerter(srv.URL),
		circuitbreaker.New(circuitbreaker.Config{Name: "webhook", FailureThreshold: 2, OpenTimeout: time.Hour}))

	for i := 0; i < 4; i++ {
		_ = guarded.Send(context.Background(), testAlert())
	}
	assert.Equal(t, int32(2), received.Load(), "open breaker stops further requests")
	assert.ErrorIs(t, guarded.Send(context.Background(), testAlert()), circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, "webhook", alerterName(guarded))
}

func TestNoopAlerter(t *testing.T) {
	assert.NoError(t, (&NoopAlerter{}).Send(context.Background(), testAlert()))
}
