// Package notify publishes change notifications that the UI layer observes.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
)

// Kind names what changed.
type Kind string

const (
	ConversationsChanged Kind = "conversations"
	MessagesChanged      Kind = "messages"
	TypingChanged        Kind = "typing"
	PresenceChanged      Kind = "presence"
	SearchChanged        Kind = "search"
	ConnectionChanged    Kind = "connection"
	EventDropped         Kind = "dropped"
	SessionEnded         Kind = "session"
)

// Change is one notification. Payload fields are set depending on Kind.
type Change struct {
	Kind      Kind      `json:"kind"`
	ChatID    chat.ID   `json:"chatId,omitempty"`
	UserID    chat.ID   `json:"userId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is implemented by Bus; components depend on it rather than on Bus.
type Publisher interface {
	Publish(Change)
}

// Bus fans changes out to subscribers. Slow subscribers lose changes instead
// of blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Change
	nextID uint64
	buffer int
	log    *slog.Logger
}

// NewBus creates a bus whose subscriber channels hold buffer changes.
func NewBus(buffer int, log *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]chan Change),
		buffer: buffer,
		log:    log.With("component", "notify"),
	}
}

// Publish delivers c to every subscriber without blocking.
func (b *Bus) Publish(c Change) {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- c:
		default:
			b.log.Warn("subscriber channel full, dropping change", "subscriber", id, "kind", c.Kind)
		}
	}
}

// Subscribe returns a channel of changes and a function that releases it.
func (b *Bus) Subscribe() (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Change, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Change) {}
