package chat

import (
	"bytes"
	"encoding/json"
)

// Push and emit event kinds carried over the realtime connection.
const (
	EventMessage     = "message"
	EventTyping      = "typing"
	EventUserOnline  = "userOnline"
	EventUserOffline = "userOffline"
	EventSendMessage = "sendMessage"
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
)

// TypingEvent is the inbound typing payload. The backend sends either a single
// user's intent (UserID + IsTyping) or the full set of typing users.
type TypingEvent struct {
	ChatID   ID    `json:"chatId"`
	UserID   ID    `json:"userId,omitempty"`
	IsTyping *bool `json:"isTyping,omitempty"`
	Users    []ID  `json:"users,omitempty"`
}

// TypingIntent is the outbound typing payload.
type TypingIntent struct {
	ChatID   ID   `json:"chatId"`
	IsTyping bool `json:"isTyping"`
}

// RoomRequest joins or leaves a conversation room on the realtime connection.
type RoomRequest struct {
	ChatID ID `json:"chatId"`
}

// PresenceEvent carries a user id; the backend sends {"userId": x} or a bare id.
type PresenceEvent struct {
	UserID ID `json:"userId"`
}

// UnmarshalJSON accepts both payload shapes.
func (p *PresenceEvent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var w struct {
			UserID ID `json:"userId"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		p.UserID = w.UserID
		return nil
	}
	return json.Unmarshal(data, &p.UserID)
}

// SendRequest is the durable-send request body.
type SendRequest struct {
	ChatID    ID                `json:"chatId" validate:"required"`
	Content   string            `json:"content"`
	Type      MessageType       `json:"type" validate:"required,oneof=text image video audio file"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp string            `json:"timestamp"`
	ClientID  string            `json:"clientId,omitempty"`
}

// ReactionRecord is a single reaction as returned by the backend.
type ReactionRecord struct {
	ID    ID     `json:"id"`
	Emoji string `json:"emoji"`
	User  User   `json:"user"`
}
