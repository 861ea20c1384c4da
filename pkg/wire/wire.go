// Package wire defines the JSON frame shapes exchanged over the live
// chat connection. Every frame carries a "type" discriminator; frames
// with an unrecognized type are ignored by consumers so the server can
// grow the protocol without breaking older clients.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"pingo/pkg/models"
)

// Frame types.
const (
	TypeAuth         = "auth"
	TypeAuthRequired = "auth_required"
	TypeAuthSuccess  = "auth_success"
	TypeAuthError    = "auth_error"
	TypeChatMessage  = "chat_message"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeTyping       = "typing"
	TypeError        = "error"
)

// Frame is the decoded form of one inbound frame. Only the fields
// relevant to the frame's type are populated.
type Frame struct {
	Type    string       `json:"type"`
	Message *WireMessage `json:"message,omitempty"`
	// Err carries the server-provided text for auth_error and error frames.
	Err string `json:"-"`
	// Typing frame fields.
	User   models.Author `json:"user,omitempty"`
	Typing bool          `json:"typing,omitempty"`
}

// WireMessage is the message payload embedded in chat_message frames and
// returned by the history endpoint.
type WireMessage struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	Author    models.Author `json:"author"`
	CreatedAt time.Time     `json:"created_at"`
}

// Model converts a wire message into the store's confirmed message form.
func (w *WireMessage) Model(chatID string) models.Message {
	return models.Message{
		ID:        w.ID,
		ChatID:    chatID,
		Content:   w.Content,
		Author:    w.Author,
		CreatedAt: w.CreatedAt,
	}
}

// Decode parses one inbound frame. It returns an error only for payloads
// that are not valid JSON objects with a string type; unknown types
// decode successfully and are left for the caller's ignore policy.
func Decode(payload []byte) (*Frame, error) {
	var raw struct {
		Type    string          `json:"type"`
		Message json.RawMessage `json:"message"`
		User    models.Author   `json:"user"`
		Typing  bool            `json:"typing"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	f := &Frame{Type: raw.Type, User: raw.User, Typing: raw.Typing}
	switch raw.Type {
	case TypeChatMessage:
		if len(raw.Message) > 0 {
			var wm WireMessage
			if err := json.Unmarshal(raw.Message, &wm); err != nil {
				return nil, fmt.Errorf("malformed chat_message payload: %w", err)
			}
			f.Message = &wm
		}
	case TypeAuthError, TypeError:
		// For these types "message" is a plain string, not an object.
		var s string
		if len(raw.Message) > 0 {
			if err := json.Unmarshal(raw.Message, &s); err != nil {
				return nil, fmt.Errorf("malformed %s payload: %w", raw.Type, err)
			}
		}
		f.Err = s
	}
	return f, nil
}

// EncodeAuth builds the outbound authentication frame.
func EncodeAuth(token string) ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}{Type: TypeAuth, Token: token})
}

// EncodeChatMessage builds the outbound send frame.
func EncodeChatMessage(content string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}{Type: TypeChatMessage, Content: content})
}

// EncodePing builds the heartbeat frame.
func EncodePing() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: TypePing})
}

// EncodeTyping builds the outbound typing-indicator frame.
func EncodeTyping(typing bool) ([]byte, error) {
	return json.Marshal(struct {
		Type   string `json:"type"`
		Typing bool   `json:"typing"`
	}{Type: TypeTyping, Typing: typing})
}
