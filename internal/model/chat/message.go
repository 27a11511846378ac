package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is a backend identifier. The backend emits integers; ids are kept as strings locally.
type ID string

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as numbers so the backend receives the type it issued.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// MessageType enumerates message payload kinds.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending, StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// After reports whether s is further along the delivery lifecycle than other.
func (s Status) After(other Status) bool { return s.rank() > other.rank() }

// Metadata keys used by attachment messages.
const (
	MetaURL      = "url"
	MetaFilename = "filename"
	MetaSize     = "size"
	MetaMime     = "mime"
)

// Reaction is an aggregated emoji reaction.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// Message is one entry of a conversation log.
type Message struct {
	ID            ID                `json:"id,omitempty"`
	ClientID      string            `json:"clientId,omitempty"`
	ChatID        ID                `json:"chatId"`
	Sender        User              `json:"sender"`
	Content       string            `json:"content"`
	Type          MessageType       `json:"type"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        Status            `json:"status"`
	IsAIGenerated bool              `json:"isAiGenerated,omitempty"`
	Reactions     []Reaction        `json:"reactions,omitempty"`
	Sequence      int64             `json:"sequence,omitempty"`
}

// wireMessage mirrors the backend payload, where reactions are individual records
// and timestamps may lack a zone designator.
type wireMessage struct {
	ID            ID                         `json:"id"`
	ClientID      string                     `json:"clientId"`
	ChatID        ID                         `json:"chatId"`
	Sender        User                       `json:"sender"`
	Content       string                     `json:"content"`
	Type          MessageType                `json:"type"`
	Metadata      map[string]json.RawMessage `json:"metadata"`
	Timestamp     string                     `json:"timestamp"`
	Status        Status                     `json:"status"`
	IsAIGenerated bool                       `json:"isAiGenerated"`
	Reactions     json.RawMessage            `json:"reactions"`
	Sequence      int64                      `json:"sequence"`
}

type reactionRecord struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// UnmarshalJSON decodes the backend representation of a message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}

	*m = Message{
		ID:            w.ID,
		ClientID:      w.ClientID,
		ChatID:        w.ChatID,
		Sender:        w.Sender,
		Content:       w.Content,
		Type:          w.Type,
		Timestamp:     ts,
		Status:        w.Status,
		IsAIGenerated: w.IsAIGenerated,
		Sequence:      w.Sequence,
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if len(w.Metadata) > 0 {
		m.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			m.Metadata[k] = metadataValue(v)
		}
	}

	if len(w.Reactions) > 0 && !bytes.Equal(w.Reactions, []byte("null")) {
		var records []reactionRecord
		if err := json.Unmarshal(w.Reactions, &records); err != nil {
			return fmt.Errorf("invalid reactions: %w", err)
		}
		for _, r := range records {
			n := r.Count
			if n == 0 {
				n = 1
			}
			m.Reactions = AddReaction(m.Reactions, r.Emoji, n)
		}
	}
	return nil
}

// metadataValue keeps strings unquoted and every other value as its literal JSON text.
func metadataValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// AddReaction returns reactions with n added to emoji's count, appending it if new.
func AddReaction(reactions []Reaction, emoji string, n int) []Reaction {
	for i := range reactions {
		if reactions[i].Emoji == emoji {
			reactions[i].Count += n
			return reactions
		}
	}
	return append(reactions, Reaction{Emoji: emoji, Count: n})
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		meta := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		m.Metadata = meta
	}
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return m
}

// Provisional reports whether the message has not been confirmed by the backend.
func (m Message) Provisional() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// ParseTimestamp parses backend timestamps. Naive ISO-8601 values are treated as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}
