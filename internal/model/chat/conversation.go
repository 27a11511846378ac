package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// Conversation is a chat thread between a fixed set of participants.
type Conversation struct {
	ID           ID        `json:"id"`
	Name         string    `json:"name,omitempty"`
	IsGroup      bool      `json:"isGroup"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UnmarshalJSON tolerates the backend's zone-less timestamps.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type alias Conversation
	var w struct {
		alias
		CreatedAt string `json:"createdAt"`
		UpdatedAt string `json:"updatedAt"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	created, err := ParseTimestamp(w.CreatedAt)
	if err != nil {
		return err
	}
	updated, err := ParseTimestamp(w.UpdatedAt)
	if err != nil {
		return err
	}

	*c = Conversation(w.alias)
	c.CreatedAt = created
	c.UpdatedAt = updated
	return nil
}

// Clone returns a copy that shares no mutable state with c.
func (c Conversation) Clone() Conversation {
	c.Participants = append([]User(nil), c.Participants...)
	if c.LastMessage != nil {
		last := c.LastMessage.Clone()
		c.LastMessage = &last
	}
	return c
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID ID) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Title is the display name of the conversation as seen by self: its name if
// set, otherwise the other participants' names.
func (c Conversation) Title(self ID) string {
	if c.Name != "" {
		return c.Name
	}
	var names []string
	for _, p := range c.Participants {
		if p.ID == self {
			continue
		}
		names = append(names, p.Name())
	}
	if len(names) == 0 {
		return string(c.ID)
	}
	return strings.Join(names, ", ")
}
