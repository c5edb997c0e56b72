package models

// ConnectionState of the realtime command channel.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionErrored      ConnectionState = "errored"
)

// RealtimePayload is what the device receives on its command topic.
type RealtimePayload struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Timestamp int64          `json:"timestamp"`
	Source    string         `json:"source"`
	CommandID string         `json:"command_id"`
}
