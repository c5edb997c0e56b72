package models

import "time"

// TabMessageKind discriminates the leader election protocol messages.
type TabMessageKind string

const (
	KindClaimLeadership   TabMessageKind = "leader-claim"
	KindReleaseLeadership TabMessageKind = "leader-release"
	KindStatusPush        TabMessageKind = "status-update"
)

// TabMessage is exchanged by value between tabs of one origin.
// Snapshot is only set on status pushes. Hidden marks a claim from a tab that is
// not visible and will hand leadership to any visible tab that asks.
type TabMessage struct {
	Kind      TabMessageKind  `json:"type"`
	TabID     string          `json:"tabId"`
	Snapshot  *StatusSnapshot `json:"status,omitempty"`
	Hidden    bool            `json:"hidden,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func ClaimLeadership(tabID string, hidden bool, now time.Time) TabMessage {
	return TabMessage{Kind: KindClaimLeadership, TabID: tabID, Hidden: hidden, Timestamp: now.UnixMilli()}
}

func ReleaseLeadership(tabID string, now time.Time) TabMessage {
	return TabMessage{Kind: KindReleaseLeadership, TabID: tabID, Timestamp: now.UnixMilli()}
}

func StatusPush(tabID string, snapshot *StatusSnapshot, now time.Time) TabMessage {
	return TabMessage{Kind: KindStatusPush, TabID: tabID, Snapshot: snapshot, Timestamp: now.UnixMilli()}
}

// Valid rejects messages that cannot be attributed or applied.
func (m TabMessage) Valid() bool {
	if m.TabID == "" {
		return false
	}
	switch m.Kind {
	case KindClaimLeadership, KindReleaseLeadership:
		return true
	case KindStatusPush:
		return m.Snapshot != nil
	default:
		return false
	}
}
