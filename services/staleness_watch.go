package services

import (
	"context"
	"sync"
	"time"

	"camsync/models"

	"go.uber.org/zap"
)

// Notifier delivers operator alerts outside the dashboard.
type Notifier interface {
	SendOfflineAlert(deviceID string, lastSeen time.Time, offlineFor time.Duration, last *models.StatusSnapshot) error
	SendRecoveryAlert(deviceID string, downDuration time.Duration) error
	SendDeviceAlert(alerts []*models.Alert, snap *models.StatusSnapshot) error
}

// StalenessWatcher follows the snapshots published on the bus and raises an
// alert when the device has looked offline for longer than the configured
// window, and again when it comes back.
type StalenessWatcher struct {
	deviceID     string
	offlineAfter time.Duration
	checkEvery   time.Duration
	notifier     Notifier
	detector     *AlertDetector
	logger       *zap.Logger
	now          func() time.Time

	snapshots chan *models.StatusSnapshot

	mu     sync.Mutex
	health *models.DeviceHealth
}

// watchBuffer is how many snapshots may wait while a notifier call is in flight.
const watchBuffer = 16

// NewStalenessWatcher creates the watcher. notifier and detector may be nil, in
// which case transitions are only logged.
func NewStalenessWatcher(deviceID string, offlineAfter time.Duration, notifier Notifier, detector *AlertDetector, logger *zap.Logger) *StalenessWatcher {
	checkEvery := offlineAfter / 3
	if checkEvery <= 0 {
		checkEvery = time.Second
	}
	return &StalenessWatcher{
		deviceID:     deviceID,
		offlineAfter: offlineAfter,
		checkEvery:   checkEvery,
		notifier:     notifier,
		detector:     detector,
		logger:       logger,
		now:          time.Now,
		snapshots:    make(chan *models.StatusSnapshot, watchBuffer),
		health: &models.DeviceHealth{
			DeviceID: deviceID,
			Status:   models.DeviceOnline,
		},
	}
}

// Start subscribes to status updates and runs the offline checker until ctx ends.
// Snapshots are handed over through a buffered channel, so a slow notifier never
// holds up the publisher.
func (w *StalenessWatcher) Start(ctx context.Context, bus *EventBus) {
	w.logger.Info("Starting staleness watcher",
		zap.String("device_id", w.deviceID),
		zap.Duration("offline_after", w.offlineAfter))

	unsubscribe := On(bus, func(e models.StatusUpdated) { w.enqueue(e.Snapshot) })

	go func() {
		defer unsubscribe()
		w.run(ctx)
	}()
}

// enqueue never blocks. When the buffer is full the oldest snapshot is dropped.
func (w *StalenessWatcher) enqueue(snap *models.StatusSnapshot) {
	if snap == nil {
		return
	}
	for {
		select {
		case w.snapshots <- snap:
			return
		default:
		}
		select {
		case dropped := <-w.snapshots:
			w.logger.Debug("Staleness watcher behind, dropping snapshot",
				zap.Time("received_at", dropped.ReceivedAt))
		default:
		}
	}
}

// Observe records one snapshot. A snapshot that is online moves LastSeen forward
// and ends an offline period.
func (w *StalenessWatcher) Observe(snap *models.StatusSnapshot) {
	if snap == nil {
		return
	}
	now := w.now()

	w.mu.Lock()
	w.health.LastSnapshot = snap
	if !snap.Online(now) {
		if w.health.LastSeen.IsZero() {
			// never seen online; count the offline period from the first snapshot
			w.health.LastSeen = now
		}
		w.mu.Unlock()
		return
	}

	wasOffline := w.health.Status == models.DeviceOffline
	downDuration := now.Sub(w.health.OfflineAt)
	w.health.LastSeen = now
	w.health.Status = models.DeviceOnline
	w.mu.Unlock()

	if wasOffline {
		w.logger.Info("Device back online",
			zap.String("device_id", w.deviceID),
			zap.Duration("down_duration", downDuration))

		if w.notifier != nil {
			if err := w.notifier.SendRecoveryAlert(w.deviceID, downDuration); err != nil {
				w.logger.Error("Failed to send recovery alert",
					zap.String("device_id", w.deviceID),
					zap.Error(err))
			}
		}
	}

	if w.detector == nil || w.notifier == nil {
		return
	}
	if alerts := w.detector.DetectAlerts(snap, now); len(alerts) > 0 {
		if err := w.notifier.SendDeviceAlert(alerts, snap); err != nil {
			w.logger.Error("Failed to send device alert",
				zap.String("device_id", w.deviceID),
				zap.Error(err))
		}
	}
}

func (w *StalenessWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Staleness watcher stopped")
			return
		case snap := <-w.snapshots:
			w.Observe(snap)
		case <-ticker.C:
			w.CheckOffline()
		}
	}
}

// CheckOffline flags the device offline once nothing online has been observed
// for the configured window. It alerts once per offline period.
func (w *StalenessWatcher) CheckOffline() {
	now := w.now()

	w.mu.Lock()
	if w.health.Status == models.DeviceOffline || w.health.LastSeen.IsZero() {
		w.mu.Unlock()
		return
	}
	offlineFor := now.Sub(w.health.LastSeen)
	if offlineFor <= w.offlineAfter {
		w.mu.Unlock()
		return
	}
	w.health.Status = models.DeviceOffline
	w.health.OfflineAt = now
	lastSeen := w.health.LastSeen
	last := w.health.LastSnapshot
	w.mu.Unlock()

	w.logger.Warn("Device offline",
		zap.String("device_id", w.deviceID),
		zap.Time("last_seen", lastSeen),
		zap.Duration("offline_for", offlineFor))

	if w.notifier != nil {
		if err := w.notifier.SendOfflineAlert(w.deviceID, lastSeen, offlineFor, last); err != nil {
			w.logger.Error("Failed to send offline alert",
				zap.String("device_id", w.deviceID),
				zap.Error(err))
		}
	}
}

// Health returns a copy of the current device health (for the API and tests)
func (w *StalenessWatcher) Health() models.DeviceHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.health
}
