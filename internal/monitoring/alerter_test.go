package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-monitor/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.AlertConfig{
		FailureRateThreshold: 0.10,
		PageLossThreshold:    0.10,
	})

	snap := &MetricsSnapshot{
		CyclesTotal:    100,
		CyclesComplete: 95,
		CyclesFailed:   5,
		CycleFailRate:  0.05,
		Pages:          1000,
		PagesLost:      10,
		PageLossRate:   0.01,
		LookbackHours:  24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_CycleFailureRate(t *testing.T) {
	a := NewAlerter(config.AlertConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		CyclesTotal:    20,
		CyclesComplete: 12,
		CyclesFailed:   8,
		CycleFailRate:  0.4,
		LookbackHours:  24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCycleFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_MinimumCyclesRequired(t *testing.T) {
	a := NewAlerter(config.AlertConfig{FailureRateThreshold: 0.10})

	// Only 3 finished cycles, below the minimum for a failure-rate alert.
	snap := &MetricsSnapshot{
		CyclesTotal:    3,
		CyclesComplete: 1,
		CyclesFailed:   2,
		CycleFailRate:  0.666,
		LookbackHours:  24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_PageLoss(t *testing.T) {
	a := NewAlerter(config.AlertConfig{PageLossThreshold: 0.05})

	snap := &MetricsSnapshot{
		Pages:         100,
		PagesLost:     12,
		PageLossRate:  0.12,
		LookbackHours: 6,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPageLoss, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "12 of 100 pages")
}

func TestAlerter_Evaluate_StaleAPI(t *testing.T) {
	now := time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-3 * time.Hour)

	a := NewAlerter(config.AlertConfig{StaleAfterMins: 60})
	snap := &MetricsSnapshot{
		CollectedAt: now,
		APIs: []APIHealth{
			{API: "fresh", LastSuccess: &recent},
			{API: "old", LastSuccess: &old},
			{API: "never"},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertStaleAPI, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "old")
	assert.Contains(t, alerts[0].Message, "2025-06-16T09:00:00Z")
	assert.Contains(t, alerts[1].Message, "never")
	assert.Equal(t, now, alerts[1].Timestamp)
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.AlertConfig{})

	snap := &MetricsSnapshot{
		CyclesComplete: 1,
		CyclesFailed:   9,
		CycleFailRate:  0.9,
		Pages:          10,
		PagesLost:      9,
		PageLossRate:   0.9,
		APIs:           []APIHealth{{API: "never"}},
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.AlertConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertCycleFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertStaleAPI, Severity: "high", Message: "test alert 2"},
	}

	assert.Equal(t, 2, a.SendAlerts(context.Background(), alerts))
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.AlertConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertPageLoss, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.AlertConfig{WebhookURL: "http://example.com"})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.AlertConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertPageLoss, Message: "test"}})
	assert.Equal(t, 0, sent)
}
