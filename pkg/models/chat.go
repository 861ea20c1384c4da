package models

// ChatKind discriminates the two chat flavors. A channel belongs to a
// server and supports a live connection; a conversation is a direct
// chat and is history-only in the current scope.
type ChatKind string

const (
	ChatChannel      ChatKind = "channel"
	ChatConversation ChatKind = "conversation"
)

// ChatRef identifies one chat. ServerID is set only for channels.
type ChatRef struct {
	Kind     ChatKind `json:"kind"`
	ID       string   `json:"id"`
	ServerID string   `json:"server_id,omitempty"`
}

func (r ChatRef) IsZero() bool { return r.ID == "" }
