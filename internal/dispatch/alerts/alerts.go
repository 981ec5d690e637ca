// Package alerts implements the supplemented Alert watchers: error-rate
// threshold detection and Degradation Manager mode-transition watching,
// each emitting a rate-limited models.Alert. Grounded on original_source's
// server/services/alerts.py (sliding-window error threshold, per-type
// rate limiting, pluggable notification callbacks) scoped to spec.md's
// headless core — the original's macOS notification center and webhook
// integrations are dropped as outer-surface concerns; the pluggable
// Notifier keeps the same "send to whatever's wired up" shape without
// hardcoding a transport.
package alerts

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/degradation"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// Config mirrors original_source's AlertConfig, narrowed to the
// thresholds this package actually enforces.
type Config struct {
	ErrorThreshold      int
	ErrorWindow         time.Duration
	AlertRateLimit      int
	AlertRateWindow     time.Duration
}

// DefaultConfig matches the original's dataclass defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:  5,
		ErrorWindow:     60 * time.Second,
		AlertRateLimit:  10,
		AlertRateWindow: time.Hour,
	}
}

// Notifier is called, best-effort, for every created alert. A Notifier's
// error is logged and never propagated — per the original's
// "don't let callback errors break alerting" rule.
type Notifier func(models.Alert) error

// Watcher is the Alert watcher: threshold/rate-limited alert creation,
// persisted to the shared sqlite database, with pluggable notification.
type Watcher struct {
	mu     sync.Mutex
	db     *sql.DB
	cfg    Config
	log    *zerolog.Logger
	notify []Notifier

	errorTimestamps []time.Time
	alertTimestamps map[string][]time.Time
}

// New opens (creating if necessary) the alerts table in db.
func New(db *sql.DB, cfg Config, log *zerolog.Logger) (*Watcher, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return nil, fmt.Errorf("alerts: create table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp DESC)`); err != nil {
		return nil, fmt.Errorf("alerts: create index: %w", err)
	}

	return &Watcher{
		db:              db,
		cfg:             cfg,
		log:             log,
		alertTimestamps: map[string][]time.Time{},
	}, nil
}

// AddNotifier registers a Notifier invoked for every successfully created
// (i.e. not rate-limited) alert.
func (w *Watcher) AddNotifier(n Notifier) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notify = append(w.notify, n)
}

// RecordError records one error occurrence for threshold monitoring. If
// the sliding window now holds more than cfg.ErrorThreshold errors, an
// alert is triggered (subject to the per-type rate limit).
func (w *Watcher) RecordError(errorType string) {
	now := time.Now()
	w.mu.Lock()
	w.errorTimestamps = append(w.errorTimestamps, now)
	w.errorTimestamps = trimWindow(w.errorTimestamps, now, w.cfg.ErrorWindow)
	count := len(w.errorTimestamps)
	w.mu.Unlock()

	if count > w.cfg.ErrorThreshold {
		_, err := w.CreateAlert("error_threshold", models.AlertWarning,
			"Error Threshold Exceeded",
			fmt.Sprintf("%d errors in the last %s", count, w.cfg.ErrorWindow))
		if err != nil && w.log != nil {
			w.log.Error().Err(err).Msg("alerts: failed to create error-threshold alert")
		}
	}
}

// WatchDegradation registers a mode-change hook on manager that raises an
// alert on every change of the derived Mode: critical on entering
// OFFLINE, warning on entering PRIMARY_UNAVAILABLE, SECONDARY_UNAVAILABLE
// or RATE_LIMITED, and info on entering any other mode (NORMAL, DEGRADED).
func (w *Watcher) WatchDegradation(manager *degradation.Manager) {
	manager.OnModeChange(func(old, newMode degradation.Mode) {
		severity := models.AlertInfo
		switch newMode {
		case degradation.ModeOffline:
			severity = models.AlertCritical
		case degradation.ModePrimaryUnavailable, degradation.ModeSecondaryUnavailable, degradation.ModeRateLimited:
			severity = models.AlertWarning
		}

		_, err := w.CreateAlert("degradation_mode", severity,
			"Degradation Mode Changed",
			fmt.Sprintf("%s -> %s", old, newMode))
		if err != nil && w.log != nil {
			w.log.Error().Err(err).Msg("alerts: failed to create degradation-mode alert")
		}
	})
}

// CreateAlert creates and persists a new alert, returning (nil, nil) if
// alertType is currently rate-limited (never an error: rate-limiting is
// expected, routine behavior, not a failure).
func (w *Watcher) CreateAlert(alertType string, severity models.AlertSeverity, title, message string) (*models.Alert, error) {
	w.mu.Lock()
	allowed := w.checkRateLimitLocked(alertType)
	w.mu.Unlock()
	if !allowed {
		return nil, nil
	}

	alert := models.Alert{
		ID:        "alert_" + uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	}

	if _, err := w.db.Exec(`
		INSERT INTO alerts (id, type, severity, title, message, timestamp, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, alert.ID, alert.Type, string(alert.Severity), alert.Title, alert.Message, alert.Timestamp); err != nil {
		return nil, fmt.Errorf("alerts: insert: %w", err)
	}

	w.sendNotifications(alert)
	return &alert, nil
}

func (w *Watcher) sendNotifications(alert models.Alert) {
	w.mu.Lock()
	notifiers := append([]Notifier(nil), w.notify...)
	w.mu.Unlock()

	for _, n := range notifiers {
		if err := n(alert); err != nil && w.log != nil {
			w.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("alerts: notifier failed")
		}
	}
}

// checkRateLimitLocked reports whether an alert of alertType may be sent
// right now, recording the attempt if so. Caller must hold w.mu.
func (w *Watcher) checkRateLimitLocked(alertType string) bool {
	now := time.Now()
	timestamps := trimWindow(w.alertTimestamps[alertType], now, w.cfg.AlertRateWindow)
	if len(timestamps) >= w.cfg.AlertRateLimit {
		w.alertTimestamps[alertType] = timestamps
		return false
	}
	w.alertTimestamps[alertType] = append(timestamps, now)
	return true
}

func trimWindow(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(timestamps) && timestamps[start].Before(cutoff) {
		start++
	}
	return timestamps[start:]
}

// Acknowledge marks an alert as acknowledged.
func (w *Watcher) Acknowledge(id string) error {
	_, err := w.db.Exec(`UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	return err
}

// List returns the most recent alerts, newest first, bounded to limit.
func (w *Watcher) List(limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.db.Query(`
		SELECT id, type, severity, title, message, timestamp, acknowledged
		FROM alerts ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		var a models.Alert
		var severity string
		var acknowledged int
		if err := rows.Scan(&a.ID, &a.Type, &severity, &a.Title, &a.Message, &a.Timestamp, &acknowledged); err != nil {
			return nil, err
		}
		a.Severity = models.AlertSeverity(severity)
		a.Acknowledged = acknowledged != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// WebhookNotifier returns a Notifier that posts alert as JSON to url using
// client, the idiomatic minimal replacement for the original's
// aiohttp-based webhook delivery.
func WebhookNotifier(client *http.Client, url string) Notifier {
	return func(alert models.Alert) error {
		body, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("alerts: marshal webhook payload: %w", err)
		}
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("alerts: webhook post: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("alerts: webhook returned status %d", resp.StatusCode)
		}
		return nil
	}
}
