package models

import (
	"fmt"
	"time"
)

// Staleness classifies how old a snapshot is relative to device-origin time.
type Staleness string

const (
	StalenessFresh   Staleness = "fresh"
	StalenessDelayed Staleness = "delayed"
	StalenessStale   Staleness = "stale"
	StalenessOffline Staleness = "offline"
)

const (
	FreshThreshold   = 5 * time.Second
	DelayedThreshold = 15 * time.Second
	StaleThreshold   = 30 * time.Second
)

// Rank orders staleness bands from fresh (0) to offline (3).
func (s Staleness) Rank() int {
	switch s {
	case StalenessFresh:
		return 0
	case StalenessDelayed:
		return 1
	case StalenessStale:
		return 2
	default:
		return 3
	}
}

// ClassifyAge maps an age onto its staleness band.
func ClassifyAge(age time.Duration) Staleness {
	switch {
	case age < FreshThreshold:
		return StalenessFresh
	case age < DelayedThreshold:
		return StalenessDelayed
	case age < StaleThreshold:
		return StalenessStale
	default:
		return StalenessOffline
	}
}

// Battery percent is -1 when the device did not report it.
type Battery struct {
	Percent int    `json:"percent"`
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
}

type Network struct {
	Health       string  `json:"health"`
	DownloadMbps float64 `json:"downloadMbps"`
	UploadMbps   float64 `json:"uploadMbps"`
	LatencyMs    int     `json:"latencyMs"`
}

// StatusSnapshot is the normalized device status. Staleness is derived from
// GeneratedAt/ReceivedAt and never stored.
type StatusSnapshot struct {
	State            string    `json:"state"`
	Streaming        bool      `json:"streaming"`
	Recording        bool      `json:"recording"`
	Paused           bool      `json:"paused"`
	TorchOn          bool      `json:"torchOn"`
	UptimeStart      time.Time `json:"uptimeStart"`
	Battery          Battery   `json:"battery"`
	Network          Network   `json:"network"`
	ConnectedClients int       `json:"connectedClients"`
	CloudViewers     int       `json:"cloudViewers"`
	Message          string    `json:"message,omitempty"`
	CloudMode        bool      `json:"cloudMode"`
	Synthetic        bool      `json:"synthetic"`
	GeneratedAt      time.Time `json:"generatedAt"`
	ReceivedAt       time.Time `json:"receivedAt"`
}

const (
	StateOffline = "offline"
	StateUnknown = "unknown"
)

// OfflineSnapshot is the synthetic snapshot published when a poll fails.
func OfflineSnapshot(reason string, cloud bool, now time.Time) *StatusSnapshot {
	return &StatusSnapshot{
		State:      StateOffline,
		Battery:    Battery{Percent: -1, Status: StateUnknown},
		Network:    Network{Health: StateUnknown},
		Message:    reason,
		CloudMode:  cloud,
		Synthetic:  true,
		ReceivedAt: now,
	}
}

// Age returns how old the snapshot is and whether an age could be derived at all.
// Device-origin time wins. Without it, cloud snapshots have no trustworthy age since
// the fetch time says nothing about when the relay document was pushed.
func (s *StatusSnapshot) Age(now time.Time) (time.Duration, bool) {
	if s == nil || s.Synthetic {
		return 0, false
	}

	var age time.Duration
	switch {
	case !s.GeneratedAt.IsZero():
		age = now.Sub(s.GeneratedAt)
	case s.CloudMode:
		return 0, false
	case !s.ReceivedAt.IsZero():
		age = now.Sub(s.ReceivedAt)
	default:
		return 0, false
	}

	// clock skew between device and client
	if age < 0 {
		age = 0
	}
	return age, true
}

// Staleness classifies the snapshot at now.
func (s *StatusSnapshot) Staleness(now time.Time) Staleness {
	age, ok := s.Age(now)
	if !ok {
		return StalenessOffline
	}
	return ClassifyAge(age)
}

// Online reports whether the device is reachable and reporting.
func (s *StatusSnapshot) Online(now time.Time) bool {
	return s != nil && s.State != StateOffline && s.Staleness(now) != StalenessOffline
}

// FormatAge renders an age the way the dashboard header shows it.
func FormatAge(age time.Duration) string {
	switch {
	case age < time.Second:
		return "just now"
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	}
}
