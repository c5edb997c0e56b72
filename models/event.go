package models

import "time"

type EventKind string

const (
	EventStatusUpdated     EventKind = "status-updated"
	EventLeadershipChanged EventKind = "leadership-changed"
	EventCommandCompleted  EventKind = "command-completed"
	EventStreamReady       EventKind = "stream-ready"
	EventStreamError       EventKind = "stream-error"
	EventStreamReload      EventKind = "stream-reload"
	EventStreamSeekToLive  EventKind = "stream-seek-to-live"
	EventStreamRecovery    EventKind = "stream-recovery"
)

// Event is the closed set of notifications published on the application bus.
type Event interface {
	Kind() EventKind
	isEvent()
}

type StatusUpdated struct {
	Snapshot *StatusSnapshot `json:"snapshot"`
	// FromTab is empty for snapshots polled by this tab.
	FromTab string `json:"fromTab,omitempty"`
}

type LeadershipChanged struct {
	TabID  string `json:"tabId"`
	Leader bool   `json:"leader"`
}

type CommandCompleted struct {
	Result *CommandResult `json:"result,omitempty"`
	Action string         `json:"action"`
	Error  string         `json:"error,omitempty"`
}

type StreamReady struct {
	URL string `json:"url"`
}

// StreamErrorType separates transport failures from decode failures.
type StreamErrorType string

const (
	StreamErrorNetwork StreamErrorType = "network"
	StreamErrorMedia   StreamErrorType = "media"
)

type StreamError struct {
	Type    StreamErrorType `json:"type"`
	Fatal   bool            `json:"fatal"`
	Details string          `json:"details"`
}

type StreamReload struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

type StreamSeekToLive struct {
	From    time.Duration `json:"from"`
	To      time.Duration `json:"to"`
	Latency time.Duration `json:"latency"`
}

type StreamRecovery struct {
	Attempt int `json:"attempt"`
}

func (StatusUpdated) Kind() EventKind     { return EventStatusUpdated }
func (LeadershipChanged) Kind() EventKind { return EventLeadershipChanged }
func (CommandCompleted) Kind() EventKind  { return EventCommandCompleted }
func (StreamReady) Kind() EventKind       { return EventStreamReady }
func (StreamError) Kind() EventKind       { return EventStreamError }
func (StreamReload) Kind() EventKind      { return EventStreamReload }
func (StreamSeekToLive) Kind() EventKind  { return EventStreamSeekToLive }
func (StreamRecovery) Kind() EventKind    { return EventStreamRecovery }

func (StatusUpdated) isEvent()     {}
func (LeadershipChanged) isEvent() {}
func (CommandCompleted) isEvent()  {}
func (StreamReady) isEvent()       {}
func (StreamError) isEvent()       {}
func (StreamReload) isEvent()      {}
func (StreamSeekToLive) isEvent()  {}
func (StreamRecovery) isEvent()    {}
