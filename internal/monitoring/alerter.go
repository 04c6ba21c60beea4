package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCycleFailureRate AlertType = "cycle_failure_rate"
	AlertPageLoss         AlertType = "page_loss"
	AlertStaleAPI         AlertType = "stale_api"
)

// minFinishedCycles is the sample size below which the failure rate is not
// evaluated.
const minFinishedCycles = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.AlertConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given alert config.
func NewAlerter(cfg config.AlertConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	finished := snap.CyclesComplete + snap.CyclesFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedCycles && snap.CycleFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCycleFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Cycle failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.CycleFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.CyclesFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.CycleFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.CyclesFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.PageLossThreshold > 0 && snap.Pages > 0 && snap.PageLossRate > a.cfg.PageLossThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPageLoss,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d of %d pages (%.1f%%) failed after retries in last %dh",
				snap.PagesLost, snap.Pages, snap.PageLossRate*100, snap.LookbackHours,
			),
			Details: map[string]any{
				"pages_lost": snap.PagesLost,
				"pages":      snap.Pages,
				"threshold":  a.cfg.PageLossThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleAfterMins > 0 {
		limit := time.Duration(a.cfg.StaleAfterMins) * time.Minute
		for _, h := range snap.APIs {
			if h.LastSuccess != nil && now.Sub(*h.LastSuccess) <= limit {
				continue
			}
			last := "never"
			if h.LastSuccess != nil {
				last = h.LastSuccess.UTC().Format(time.RFC3339)
			}
			alerts = append(alerts, Alert{
				Type:     AlertStaleAPI,
				Severity: "high",
				Message:  fmt.Sprintf("%s has no complete cycle in the last %s (last success: %s)", h.API, limit, last),
				Details: map[string]any{
					"api":          h.API,
					"last_success": last,
					"failed":       h.Failed,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
