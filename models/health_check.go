package models

import (
	"time"
)

// DeviceHealthStatus represents whether the device is reporting fresh status
type DeviceHealthStatus string

const (
	DeviceOnline  DeviceHealthStatus = "online"
	DeviceOffline DeviceHealthStatus = "offline"
)

// DeviceHealth tracks the reachability of the device as seen through snapshots
type DeviceHealth struct {
	DeviceID     string
	LastSnapshot *StatusSnapshot
	LastSeen     time.Time // Last snapshot that was not offline
	Status       DeviceHealthStatus
	OfflineAt    time.Time // When the device went offline (if applicable)
}
