// Package typing debounces the local user's typing intent and aggregates the
// typing indicators of remote participants per conversation.
package typing

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
	"github.com/zhouzirui/one-in-one/client/internal/notify"
	"github.com/zhouzirui/one-in-one/client/internal/timer"
)

// Emitter sends typing intents on the realtime connection.
type Emitter interface {
	Emit(kind string, payload any) error
}

// Options tunes the aggregator.
type Options struct {
	// IdleTimeout is how long after the last input activity a stop is sent.
	IdleTimeout time.Duration
	// TTL is how long a remote user stays typing without a refresh.
	TTL    time.Duration
	Logger *slog.Logger
}

const (
	DefaultIdleTimeout = time.Second
	DefaultTTL         = 1500 * time.Millisecond
)

// Aggregator holds local composing state and remote typing state.
type Aggregator struct {
	emitter Emitter
	pub     notify.Publisher
	timers  *timer.Group
	idle    time.Duration
	ttl     time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	self      chat.ID
	composing map[chat.ID]bool
	remote    map[chat.ID]map[chat.ID]time.Time
	// ticket numbers intents in the order the state changed, under mu.
	ticket uint64

	emitMu   sync.Mutex
	emitCond *sync.Cond
	emitted  uint64
}

// New creates an aggregator. pub may be nil.
func New(emitter Emitter, pub notify.Publisher, opts Options) *Aggregator {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if pub == nil {
		pub = notify.Discard{}
	}
	a := &Aggregator{
		emitter:   emitter,
		pub:       pub,
		timers:    timer.NewGroup(),
		idle:      opts.IdleTimeout,
		ttl:       opts.TTL,
		log:       opts.Logger.With("component", "typing"),
		composing: make(map[chat.ID]bool),
		remote:    make(map[chat.ID]map[chat.ID]time.Time),
	}
	a.emitCond = sync.NewCond(&a.emitMu)
	return a
}

// SetSelf sets the session user, whose own typing echoes are ignored.
func (a *Aggregator) SetSelf(id chat.ID) {
	a.mu.Lock()
	a.self = id
	a.mu.Unlock()
}

func idleKey(chatID chat.ID) string { return "idle:" + string(chatID) }

func expiryKey(chatID, userID chat.ID) string {
	return "expire:" + string(chatID) + ":" + string(userID)
}

// Start records input activity. A start intent is emitted only when the
// conversation goes from idle to composing; every call re-arms the idle stop.
func (a *Aggregator) Start(chatID chat.ID) error {
	a.mu.Lock()
	was := a.composing[chatID]
	a.composing[chatID] = true
	a.timers.Schedule(idleKey(chatID), a.idle, func() {
		if err := a.stop(chatID, false); err != nil {
			a.log.Debug("idle stop not sent", "chat_id", chatID, "err", err)
		}
	})
	if was {
		a.mu.Unlock()
		return nil
	}
	a.ticket++
	ticket := a.ticket
	a.mu.Unlock()

	return a.emitInOrder(ticket, chat.TypingIntent{ChatID: chatID, IsTyping: true})
}

// Stop ends composing immediately, e.g. after the message was sent.
func (a *Aggregator) Stop(chatID chat.ID) error {
	return a.stop(chatID, true)
}

func (a *Aggregator) stop(chatID chat.ID, cancelIdle bool) error {
	a.mu.Lock()
	if cancelIdle {
		a.timers.Cancel(idleKey(chatID))
	}
	if !a.composing[chatID] {
		a.mu.Unlock()
		return nil
	}
	delete(a.composing, chatID)
	a.ticket++
	ticket := a.ticket
	a.mu.Unlock()

	return a.emitInOrder(ticket, chat.TypingIntent{ChatID: chatID, IsTyping: false})
}

// emitInOrder sends intent once every intent with a lower ticket went out.
// Called without mu held.
func (a *Aggregator) emitInOrder(ticket uint64, intent chat.TypingIntent) error {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	for a.emitted+1 != ticket {
		a.emitCond.Wait()
	}
	defer func() {
		a.emitted = ticket
		a.emitCond.Broadcast()
	}()
	return a.emitter.Emit(chat.EventTyping, intent)
}

// Composing reports whether the local user is composing in chatID.
func (a *Aggregator) Composing(chatID chat.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.composing[chatID]
}

// HandleEvent decodes a raw typing push event. Malformed payloads are ignored.
func (a *Aggregator) HandleEvent(raw json.RawMessage) {
	var evt chat.TypingEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		a.log.Debug("ignoring malformed typing event", "err", err)
		return
	}
	a.HandleInbound(evt)
}

// HandleInbound applies a remote typing event.
func (a *Aggregator) HandleInbound(evt chat.TypingEvent) {
	if evt.ChatID == "" {
		return
	}

	a.mu.Lock()
	now := time.Now()
	users := a.remote[evt.ChatID]
	if users == nil {
		users = make(map[chat.ID]time.Time)
		a.remote[evt.ChatID] = users
	}
	before := a.visibleLocked(evt.ChatID, now)

	switch {
	case evt.Users != nil:
		set := lo.SliceToMap(evt.Users, func(id chat.ID) (chat.ID, struct{}) { return id, struct{}{} })
		for id := range users {
			if _, ok := set[id]; !ok {
				a.clearLocked(evt.ChatID, id)
			}
		}
		for id := range set {
			if id != a.self && id != "" {
				a.refreshLocked(evt.ChatID, id, now)
			}
		}
	case evt.UserID == "" || evt.UserID == a.self:
	case evt.IsTyping == nil || *evt.IsTyping:
		a.refreshLocked(evt.ChatID, evt.UserID, now)
	default:
		a.clearLocked(evt.ChatID, evt.UserID)
	}

	changed := !slices.Equal(before, a.visibleLocked(evt.ChatID, now))
	a.mu.Unlock()

	if changed {
		a.pub.Publish(notify.Change{Kind: notify.TypingChanged, ChatID: evt.ChatID})
	}
}

func (a *Aggregator) refreshLocked(chatID, userID chat.ID, now time.Time) {
	a.remote[chatID][userID] = now.Add(a.ttl)
	a.timers.Schedule(expiryKey(chatID, userID), a.ttl, func() { a.expire(chatID, userID) })
}

func (a *Aggregator) clearLocked(chatID, userID chat.ID) {
	delete(a.remote[chatID], userID)
	a.timers.Cancel(expiryKey(chatID, userID))
}

func (a *Aggregator) expire(chatID, userID chat.ID) {
	// the entry may already be gone if a read pruned it lazily; publish anyway
	a.mu.Lock()
	delete(a.remote[chatID], userID)
	a.mu.Unlock()

	a.log.Debug("typing indicator expired", "chat_id", chatID, "user_id", userID)
	a.pub.Publish(notify.Change{Kind: notify.TypingChanged, ChatID: chatID, UserID: userID})
}

// visibleLocked returns the sorted non-expired typing users, pruning expired ones.
func (a *Aggregator) visibleLocked(chatID chat.ID, now time.Time) []chat.ID {
	users := a.remote[chatID]
	out := make([]chat.ID, 0, len(users))
	for id, exp := range users {
		if !now.Before(exp) {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Users returns the users currently typing in chatID, sorted.
func (a *Aggregator) Users(chatID chat.ID) []chat.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visibleLocked(chatID, time.Now())
}

// IsTyping reports whether userID is typing in chatID.
func (a *Aggregator) IsTyping(chatID, userID chat.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.remote[chatID][userID]
	return ok && time.Now().Before(exp)
}

// Reset cancels every timer and forgets all typing state.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timers.CancelAll()
	a.composing = make(map[chat.ID]bool)
	a.remote = make(map[chat.ID]map[chat.ID]time.Time)
	a.self = ""
}
