package models

// NotificationKind distinguishes row changes from subscription lifecycle signals.
type NotificationKind string

const (
	NotificationChange      NotificationKind = "change"
	NotificationReconnected NotificationKind = "reconnected"
)

// Notification is a "something changed" signal from the store. Only Kind is guaranteed;
// Op, Table, ConversationID and Participants are filled when the transport carries them.
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	Op             string           `json:"op,omitempty"`
	Table          string           `json:"table,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Participants   []string         `json:"participants,omitempty"`
}

// RelevantTo reports whether the notification may affect userID's conversation set.
// Without participant information every change is treated as relevant.
func (n Notification) RelevantTo(userID string) bool {
	if n.Kind == NotificationReconnected || len(n.Participants) == 0 {
		return true
	}
	for _, p := range n.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ChatEvent is pushed to websocket clients when their session snapshot changes.
type ChatEvent struct {
	Type     string      `json:"type"`
	Snapshot interface{} `json:"snapshot,omitempty"`
}
