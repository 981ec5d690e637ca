package alerts

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/degradation"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

func newTestWatcher(t *testing.T, cfg Config) *Watcher {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	w, err := New(db, cfg, nil)
	require.NoError(t, err)
	return w
}

func TestCreateAlertPersists(t *testing.T) {
	w := newTestWatcher(t, DefaultConfig())
	alert, err := w.CreateAlert("custom", models.AlertInfo, "Title", "Message")
	require.NoError(t, err)
	require.NotNil(t, alert)

	list, err := w.List(10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Title", list[0].Title)
}

func TestCreateAlertRateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertRateLimit = 2
	cfg.AlertRateWindow = time.Hour
	w := newTestWatcher(t, cfg)

	a1, err := w.CreateAlert("custom", models.AlertInfo, "t1", "m1")
	require.NoError(t, err)
	require.NotNil(t, a1)
	a2, err := w.CreateAlert("custom", models.AlertInfo, "t2", "m2")
	require.NoError(t, err)
	require.NotNil(t, a2)
	a3, err := w.CreateAlert("custom", models.AlertInfo, "t3", "m3")
	require.NoError(t, err)
	require.Nil(t, a3)

	list, err := w.List(10)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestRateLimitIsPerType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertRateLimit = 1
	w := newTestWatcher(t, cfg)

	a1, err := w.CreateAlert("type_a", models.AlertInfo, "t", "m")
	require.NoError(t, err)
	require.NotNil(t, a1)

	a2, err := w.CreateAlert("type_b", models.AlertInfo, "t", "m")
	require.NoError(t, err)
	require.NotNil(t, a2)
}

func TestRecordErrorTriggersThresholdAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 2
	cfg.ErrorWindow = time.Minute
	w := newTestWatcher(t, cfg)

	w.RecordError("boom")
	w.RecordError("boom")
	w.RecordError("boom")

	list, err := w.List(10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "error_threshold", list[0].Type)
}

func TestRecordErrorBelowThresholdDoesNotAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 5
	w := newTestWatcher(t, cfg)

	w.RecordError("boom")
	w.RecordError("boom")

	list, err := w.List(10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestAddNotifierIsCalled(t *testing.T) {
	w := newTestWatcher(t, DefaultConfig())

	var received *models.Alert
	w.AddNotifier(func(a models.Alert) error {
		received = &a
		return nil
	})

	_, err := w.CreateAlert("custom", models.AlertWarning, "hi", "there")
	require.NoError(t, err)
	require.NotNil(t, received)
	require.Equal(t, "hi", received.Title)
}

func TestAcknowledge(t *testing.T) {
	w := newTestWatcher(t, DefaultConfig())
	alert, err := w.CreateAlert("custom", models.AlertInfo, "t", "m")
	require.NoError(t, err)
	require.NoError(t, w.Acknowledge(alert.ID))

	list, err := w.List(10)
	require.NoError(t, err)
	require.True(t, list[0].Acknowledged)
}

func TestWatchDegradationAlertsOnModeChange(t *testing.T) {
	w := newTestWatcher(t, DefaultConfig())
	manager := degradation.New(models.BackendCloudA, models.BackendCloudB)
	w.WatchDegradation(manager)

	manager.RecordFailure(models.BackendCloudA, false, 0)
	manager.RecordFailure(models.BackendCloudA, false, 0)
	manager.RecordFailure(models.BackendCloudA, false, 0)
	manager.RecordFailure(models.BackendCloudB, false, 0)
	manager.RecordFailure(models.BackendCloudB, false, 0)
	manager.RecordFailure(models.BackendCloudB, false, 0)

	require.Eventually(t, func() bool {
		list, err := w.List(10)
		return err == nil && len(list) > 0
	}, time.Second, 10*time.Millisecond)
}
