package models

import "time"

// Mode is the transport environment the dashboard runs in.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
	// ModePending is a cloud hostname whose session has not been established yet.
	ModePending Mode = "pending"
)

// DeviceSession is the authenticated binding between a dashboard and one device.
// It is created once per authenticated context and never mutated.
type DeviceSession struct {
	DeviceID          string    `json:"deviceId"`
	UserID            string    `json:"userId"`
	StreamAccessToken string    `json:"streamAccessToken"`
	DeviceName        string    `json:"deviceName"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// Expired reports whether the session has passed its expiry. A zero ExpiresAt never expires.
func (s *DeviceSession) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Usable reports whether the session can authenticate cloud calls.
func (s *DeviceSession) Usable(now time.Time) bool {
	return s != nil && s.DeviceID != "" && s.UserID != "" && !s.Expired(now)
}

// SessionContext is resolved once at startup and injected into every component that
// needs the transport mode or the device identity.
type SessionContext struct {
	Hostname string
	Mode     Mode
	Session  *DeviceSession
	LocalURL string
	RelayURL string
}

// DeviceID returns the session device id, or "local" when there is no session.
func (c *SessionContext) DeviceID() string {
	if c == nil || c.Session == nil || c.Session.DeviceID == "" {
		return "local"
	}
	return c.Session.DeviceID
}
