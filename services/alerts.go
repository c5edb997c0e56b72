package services

import (
	"fmt"
	"time"

	"camsync/config"
	"camsync/models"
)

const batteryCriticalPercent = 10

type AlertDetector struct {
	config   *config.Config
	deviceID string
}

func NewAlertDetector(cfg *config.Config, deviceID string) *AlertDetector {
	return &AlertDetector{
		config:   cfg,
		deviceID: deviceID,
	}
}

// DetectAlerts analyzes a status snapshot and returns any conditions worth
// notifying about. Synthetic snapshots carry no device readings and never alert.
func (ad *AlertDetector) DetectAlerts(snap *models.StatusSnapshot, now time.Time) []*models.Alert {
	if snap == nil || snap.Synthetic {
		return nil
	}

	var alerts []*models.Alert
	timestamp := snap.GeneratedAt
	if timestamp.IsZero() {
		timestamp = now
	}

	// Check battery level
	percent := snap.Battery.Percent
	if percent >= 0 && percent < batteryCriticalPercent {
		alerts = append(alerts, &models.Alert{
			Type:        models.BatteryCritical,
			Value:       float64(percent),
			Threshold:   batteryCriticalPercent,
			DeviceID:    ad.deviceID,
			Timestamp:   timestamp,
			Description: fmt.Sprintf("Battery at %d%% is below the critical level of %d%%", percent, batteryCriticalPercent),
		})
	} else if percent >= 0 && percent < ad.config.BatteryWarnPercent {
		alerts = append(alerts, &models.Alert{
			Type:        models.BatteryLow,
			Value:       float64(percent),
			Threshold:   float64(ad.config.BatteryWarnPercent),
			DeviceID:    ad.deviceID,
			Timestamp:   timestamp,
			Description: fmt.Sprintf("Battery at %d%% is below %d%%", percent, ad.config.BatteryWarnPercent),
		})
	}

	if snap.Battery.Warning != "" {
		alerts = append(alerts, &models.Alert{
			Type:        models.DeviceWarning,
			Value:       float64(percent),
			DeviceID:    ad.deviceID,
			Timestamp:   timestamp,
			Description: snap.Battery.Warning,
		})
	}

	// Check network quality
	if snap.Network.Health == "poor" || snap.Network.Health == "bad" {
		alerts = append(alerts, &models.Alert{
			Type:        models.NetworkPoor,
			Value:       snap.Network.UploadMbps,
			DeviceID:    ad.deviceID,
			Timestamp:   timestamp,
			Description: fmt.Sprintf("Network health is %s (upload %.1f Mbps, latency %d ms)", snap.Network.Health, snap.Network.UploadMbps, snap.Network.LatencyMs),
		})
	}

	return alerts
}
