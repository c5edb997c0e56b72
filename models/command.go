package models

import "strings"

// DispatchChannel records which path delivered a command.
type DispatchChannel string

const (
	// ChannelDirect is a local-mode request straight to the device.
	ChannelDirect  DispatchChannel = "direct"
	ChannelInstant DispatchChannel = "instant"
	ChannelQueued  DispatchChannel = "queued"
)

const CommandSourceDashboard = "dashboard"

// Command is one dispatch attempt. Every attempt carries its own ID; the device
// de-duplicates queued commands, the dispatcher never does.
type Command struct {
	ID        string         `json:"command_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Timestamp int64          `json:"timestamp"`
	Source    string         `json:"source"`
}

// QueuedCommand is the record written to the relay command queue.
type QueuedCommand struct {
	Command
	DeviceID  string `json:"device_id"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type CommandResult struct {
	CommandID string          `json:"commandId"`
	Action    string          `json:"action"`
	Success   bool            `json:"success"`
	Channel   DispatchChannel `json:"dispatchChannel"`
	LatencyMs int64           `json:"latencyMs,omitempty"`
}

// ActionFromEndpoint turns a device endpoint into its action name:
// "/audio/volume" becomes "audio_volume".
func ActionFromEndpoint(endpoint string) string {
	return strings.ReplaceAll(strings.Trim(endpoint, "/"), "/", "_")
}

// EndpointFromAction is the inverse of ActionFromEndpoint.
func EndpointFromAction(action string) string {
	if strings.HasPrefix(action, "/") {
		return action
	}
	return "/" + strings.ReplaceAll(action, "_", "/")
}
