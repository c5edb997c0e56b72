package models

import (
	"time"
)

// AlertType represents conditions reported by the device that need operator attention
type AlertType string

const (
	BatteryLow      AlertType = "battery_low"
	BatteryCritical AlertType = "battery_critical"
	NetworkPoor     AlertType = "network_poor"
	DeviceWarning   AlertType = "device_warning"
)

// Alert represents a detected device condition
type Alert struct {
	Type        AlertType `json:"type"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// GetAlertEmoji returns appropriate emoji for alert type
func (a *Alert) GetAlertEmoji() string {
	switch a.Type {
	case BatteryLow:
		return "🔋"
	case BatteryCritical:
		return "🪫"
	case NetworkPoor:
		return "📶"
	default:
		return "⚠️"
	}
}

// GetSeverityColor returns color for Telegram formatting
func (a *Alert) GetSeverityColor() string {
	switch a.Type {
	case BatteryCritical:
		return "🔴"
	case BatteryLow, NetworkPoor:
		return "🟡"
	default:
		return "⚪"
	}
}
