package models

import "time"

// Author is the user summary attached to a message. For optimistic
// entries it is the local user and may be a stand-in until the server
// echoes the confirmed message.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type Message struct {
	ID      string `json:"id"`
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content"`
	Author  Author `json:"author"`
	// CreatedAt is server-assigned for confirmed messages and
	// client-assigned for optimistic ones.
	CreatedAt time.Time `json:"created_at"`
	// Optimistic marks a locally created entry that has not been
	// confirmed by the server yet.
	Optimistic bool `json:"is_optimistic,omitempty"`
}
