// Package presence tracks which users are currently online.
package presence

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
	"github.com/zhouzirui/one-in-one/client/internal/notify"
)

// Tracker maintains the online set from userOnline/userOffline events.
type Tracker struct {
	mu     sync.RWMutex
	online map[chat.ID]struct{}
	pub    notify.Publisher
	log    *slog.Logger
}

// NewTracker returns an empty tracker.
func NewTracker(pub notify.Publisher, log *slog.Logger) *Tracker {
	if pub == nil {
		pub = notify.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		online: make(map[chat.ID]struct{}),
		pub:    pub,
		log:    log.With("component", "presence"),
	}
}

// HandleOnline marks userID online.
func (t *Tracker) HandleOnline(userID chat.ID) {
	t.set(userID, true)
}

// HandleOffline marks userID offline.
func (t *Tracker) HandleOffline(userID chat.ID) {
	t.set(userID, false)
}

// HandleEvent decodes a raw presence payload of the given kind.
func (t *Tracker) HandleEvent(kind string, raw json.RawMessage) {
	var evt chat.PresenceEvent
	if err := json.Unmarshal(raw, &evt); err != nil || evt.UserID == "" {
		t.log.Debug("ignoring malformed presence event", "kind", kind, "err", err)
		return
	}
	switch kind {
	case chat.EventUserOnline:
		t.HandleOnline(evt.UserID)
	case chat.EventUserOffline:
		t.HandleOffline(evt.UserID)
	}
}

func (t *Tracker) set(userID chat.ID, online bool) {
	t.mu.Lock()
	_, was := t.online[userID]
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	t.mu.Unlock()

	if was != online {
		t.pub.Publish(notify.Change{Kind: notify.PresenceChanged, UserID: userID})
	}
}

// IsOnline reports membership in the online set.
func (t *Tracker) IsOnline(userID chat.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the online users, sorted.
func (t *Tracker) Online() []chat.ID {
	t.mu.RLock()
	ids := lo.Keys(t.online)
	t.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reset empties the set.
func (t *Tracker) Reset() {
	t.mu.Lock()
	clear(t.online)
	t.mu.Unlock()
}
