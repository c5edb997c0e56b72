package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated means there is no usable session or the token was refused.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNoNetwork means the request never produced an HTTP response.
	ErrNoNetwork = errors.New("no network")
	// ErrRelayRejected means the cloud relay answered with a non-2xx status.
	ErrRelayRejected = errors.New("relay rejected request")
	// ErrDeviceRejected means the local device answered with a non-2xx status.
	ErrDeviceRejected = errors.New("device rejected request")
	// ErrChannelNotReady means the realtime channel is not connected.
	ErrChannelNotReady = errors.New("realtime channel not ready")
	// ErrAckTimeout means the realtime broker did not acknowledge in time.
	ErrAckTimeout = errors.New("realtime acknowledgement timed out")
	// ErrBodyTooLarge means a response body exceeded the read limit for its kind.
	ErrBodyTooLarge = errors.New("response body too large")
	// ErrBroadcastUnavailable means tabs cannot reach each other.
	ErrBroadcastUnavailable = errors.New("broadcast transport unavailable")
)

// StatusError carries the HTTP status of a rejected request and wraps the
// sentinel that classifies it.
type StatusError struct {
	URL        string
	StatusCode int
	kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s returned %d", e.kind, e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.kind }

// classifyStatus maps a non-2xx response to its error. 401 and 403 always mean the
// session is unusable regardless of which side answered.
func classifyStatus(url string, code int, rejected error) error {
	kind := rejected
	if code == 401 || code == 403 {
		kind = ErrNotAuthenticated
	}
	return &StatusError{URL: redactToken(url), StatusCode: code, kind: kind}
}

// MediaError is a decode or codec failure reported by the playback surface.
type MediaError struct {
	Details string
	Err     error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media error: %s: %v", e.Details, e.Err)
	}
	return "media error: " + e.Details
}

func (e *MediaError) Unwrap() error { return e.Err }
