// Package store keeps the per-conversation message logs of a session and
// implements optimistic sending on top of them.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/zhouzirui/one-in-one/client/internal/api"
	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
	"github.com/zhouzirui/one-in-one/client/internal/notify"
)

var (
	ErrChatRequired   = errors.New("chat id is required")
	ErrInvalidType    = errors.New("invalid message type")
	ErrUnknownMessage = errors.New("message not found")
	ErrNotRetryable   = errors.New("only failed messages can be retried")
	ErrNotProvisional = errors.New("confirmed messages cannot be dismissed")
)

// Backend is the request/response collaborator the store needs.
type Backend interface {
	SendMessage(ctx context.Context, req chat.SendRequest) (chat.Message, error)
	FetchMessages(ctx context.Context, chatID chat.ID) ([]chat.Message, error)
}

// Emitter fans confirmed messages out on the realtime connection.
type Emitter interface {
	Emit(kind string, payload any) error
}

// Outcome describes what an inbound message did to the log.
type Outcome int

const (
	Ignored Outcome = iota
	Duplicate
	Confirmed
	Appended
)

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
	// OnUnauthorized is called when a backend call is rejected for the credential.
	OnUnauthorized func(error)
}

type deferredSend struct {
	chatID  chat.ID
	localID string
}

// Store owns every conversation log of the session.
type Store struct {
	backend Backend
	emitter Emitter
	pub     notify.Publisher
	log     *slog.Logger
	onAuth  func(error)

	mu       sync.Mutex
	self     chat.User
	online   bool
	flushing bool
	logs     map[chat.ID]*convLog
	loadSeq  map[chat.ID]uint64
	applied  map[chat.ID]uint64
	deferred []deferredSend
	epoch    uint64
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates an empty store. pub may be nil.
func New(backend Backend, emitter Emitter, pub notify.Publisher, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if pub == nil {
		pub = notify.Discard{}
	}
	if opts.OnUnauthorized == nil {
		opts.OnUnauthorized = func(error) {}
	}
	s := &Store{
		backend: backend,
		emitter: emitter,
		pub:     pub,
		log:     opts.Logger.With("component", "store"),
		onAuth:  opts.OnUnauthorized,
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.epoch++
	s.self = chat.User{}
	s.online = false
	s.flushing = false
	s.logs = make(map[chat.ID]*convLog)
	s.loadSeq = make(map[chat.ID]uint64)
	s.applied = make(map[chat.ID]uint64)
	s.deferred = nil
}

// Reset drops every log, deferred send and in-flight completion.
func (s *Store) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// SetSelf sets the session user used as sender of local messages.
func (s *Store) SetSelf(u chat.User) {
	s.mu.Lock()
	s.self = u
	s.mu.Unlock()
}

// SetOnline tracks whether the realtime connection is up. Sends issued while
// offline are deferred and go out in call order once online again.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	start := online && !s.flushing && len(s.deferred) > 0
	if start {
		s.flushing = true
	}
	epoch := s.epoch
	s.mu.Unlock()

	if start {
		go s.flushDeferred(epoch)
	}
}

func (s *Store) logLocked(chatID chat.ID) *convLog {
	l, ok := s.logs[chatID]
	if !ok {
		l = newConvLog()
		s.logs[chatID] = l
	}
	return l
}

func (s *Store) changed(chatID chat.ID, detail string) {
	s.pub.Publish(notify.Change{Kind: notify.MessagesChanged, ChatID: chatID, Detail: detail})
}

// Send appends a pending message and issues the durable send. The returned
// ref stays valid after confirmation. When offline the send is deferred and
// Send returns without error.
func (s *Store) Send(ctx context.Context, chatID chat.ID, content string, typ chat.MessageType, metadata map[string]string) (chat.MessageRef, error) {
	if chatID == "" {
		return chat.MessageRef{}, ErrChatRequired
	}
	if typ == "" {
		typ = chat.TypeText
	}
	if !typ.Valid() {
		return chat.MessageRef{}, ErrInvalidType
	}

	s.mu.Lock()
	e := &entry{
		localID: uuid.NewString(),
		msg: chat.Message{
			ChatID:    chatID,
			Sender:    s.self,
			Content:   content,
			Type:      typ,
			Metadata:  lo.Assign(metadata),
			Timestamp: time.Now().UTC(),
			Status:    chat.StatusPending,
		},
	}
	e.msg.ClientID = e.localID
	s.logLocked(chatID).append(e)
	ref := e.ref()
	epoch := s.epoch
	deferred := !s.online || s.flushing
	if deferred {
		s.deferred = append(s.deferred, deferredSend{chatID: chatID, localID: e.localID})
	}
	s.mu.Unlock()

	s.changed(chatID, ref.String())
	if deferred {
		s.log.Debug("send deferred until connected", "chat_id", chatID, "local_id", e.localID)
		return ref, nil
	}
	return ref, s.deliver(ctx, epoch, chatID, e.localID)
}

// Retry re-sends a failed entry.
func (s *Store) Retry(ctx context.Context, chatID chat.ID, localID string) error {
	s.mu.Lock()
	l := s.logs[chatID]
	if l == nil || l.byLocal[localID] == nil {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	e := l.byLocal[localID]
	if e.msg.Status != chat.StatusFailed {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	e.msg.Status = chat.StatusPending
	epoch := s.epoch
	deferred := !s.online || s.flushing
	if deferred {
		s.deferred = append(s.deferred, deferredSend{chatID: chatID, localID: localID})
	}
	s.mu.Unlock()

	s.changed(chatID, e.ref().String())
	if deferred {
		return nil
	}
	return s.deliver(ctx, epoch, chatID, localID)
}

// Dismiss removes an unconfirmed entry from the log.
func (s *Store) Dismiss(chatID chat.ID, localID string) error {
	s.mu.Lock()
	l := s.logs[chatID]
	if l == nil || l.byLocal[localID] == nil {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	e := l.byLocal[localID]
	if e.confirmed() {
		s.mu.Unlock()
		return ErrNotProvisional
	}
	l.remove(e)
	s.deferred = lo.Reject(s.deferred, func(d deferredSend, _ int) bool { return d.localID == localID })
	s.mu.Unlock()

	s.changed(chatID, "dismissed")
	return nil
}

func (s *Store) flushDeferred(epoch uint64) {
	for {
		s.mu.Lock()
		if epoch != s.epoch || !s.online || len(s.deferred) == 0 {
			if epoch == s.epoch {
				s.flushing = false
			}
			s.mu.Unlock()
			return
		}
		next := s.deferred[0]
		s.deferred = s.deferred[1:]
		ctx := s.ctx
		s.mu.Unlock()

		if err := s.deliver(ctx, epoch, next.chatID, next.localID); err != nil {
			s.log.Warn("deferred send failed", "chat_id", next.chatID, "local_id", next.localID, "err", err)
		}
	}
}

// deliver issues the durable send for a pending entry and applies the result.
func (s *Store) deliver(ctx context.Context, epoch uint64, chatID chat.ID, localID string) error {
	s.mu.Lock()
	l := s.logs[chatID]
	if epoch != s.epoch || l == nil || l.byLocal[localID] == nil {
		s.mu.Unlock()
		return nil
	}
	e := l.byLocal[localID]
	if e.confirmed() {
		// a push already confirmed it
		s.mu.Unlock()
		return nil
	}
	req := chat.SendRequest{
		ChatID:    chatID,
		Content:   e.msg.Content,
		Type:      e.msg.Type,
		Metadata:  lo.Assign(e.msg.Metadata),
		Timestamp: e.msg.Timestamp.Format(time.RFC3339Nano),
		ClientID:  localID,
	}
	s.mu.Unlock()

	confirmed, err := s.backend.SendMessage(ctx, req)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return err
	}
	e = s.logLocked(chatID).byLocal[localID]
	if e == nil {
		// dismissed while in flight
		s.mu.Unlock()
		return err
	}
	if err != nil && e.confirmed() {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		e.msg.Status = chat.StatusFailed
		s.mu.Unlock()

		s.log.Warn("send failed", "chat_id", chatID, "local_id", localID, "kind", api.KindOf(err), "err", err)
		s.changed(chatID, e.ref().String())
		if api.IsUnauthorized(err) {
			s.onAuth(err)
		}
		return err
	}
	if confirmed.ChatID == "" {
		confirmed.ChatID = chatID
	}
	s.confirmLocked(s.logs[chatID], e, confirmed)
	fanout := e.msg.Clone()
	s.mu.Unlock()

	s.changed(chatID, e.ref().String())
	if err := s.emitter.Emit(chat.EventSendMessage, fanout); err != nil {
		s.log.Warn("fan-out of sent message dropped", "message_id", fanout.ID, "err", err)
	}
	return nil
}

// confirmLocked replaces the content of e with its server confirmation, keeping
// e's position. An entry already holding the server id is folded into e. If e
// was matched by content to a different message, that message is kept as an
// entry of its own.
func (s *Store) confirmLocked(l *convLog, e *entry, msg chat.Message) {
	if other := l.byID[msg.ID]; other != nil && other != e {
		l.remove(other)
	}
	var stray *entry
	if e.msg.ID != "" && e.msg.ID != msg.ID && l.byID[e.msg.ID] == e {
		delete(l.byID, e.msg.ID)
		stray = &entry{msg: e.msg.Clone()}
		stray.msg.ClientID = ""
	}

	status := msg.Status
	if status == "" || status == chat.StatusPending || status == chat.StatusFailed {
		status = chat.StatusSent
	}
	msg = msg.Clone()
	msg.ClientID = e.localID
	msg.Status = status
	if msg.Sender.ID == "" {
		msg.Sender = e.msg.Sender
	}
	e.msg = msg
	l.index(e)
	if stray != nil {
		l.insertConfirmed(stray)
	}
}

// Load fetches the history of chatID and merges it into the local log.
// A load that completes after a newer one was applied is discarded.
func (s *Store) Load(ctx context.Context, chatID chat.ID) error {
	if chatID == "" {
		return ErrChatRequired
	}

	s.mu.Lock()
	s.loadSeq[chatID]++
	seq := s.loadSeq[chatID]
	epoch := s.epoch
	s.mu.Unlock()

	msgs, err := s.backend.FetchMessages(ctx, chatID)
	if err != nil {
		if api.IsUnauthorized(err) {
			s.onAuth(err)
		}
		return err
	}

	s.mu.Lock()
	if epoch != s.epoch || s.applied[chatID] > seq {
		s.mu.Unlock()
		s.log.Debug("discarding superseded load", "chat_id", chatID, "seq", seq)
		return nil
	}
	s.applied[chatID] = seq
	s.logs[chatID] = merge(s.logs[chatID], msgs)
	s.mu.Unlock()

	s.changed(chatID, "loaded")
	return nil
}

// merge builds the new log: server entries in server order, local-only
// confirmed entries placed by the ordering rule, then provisional entries in
// their local insertion order.
func merge(old *convLog, server []chat.Message) *convLog {
	if old == nil {
		old = newConvLog()
	}
	fresh := newConvLog()
	kept := make(map[*entry]bool, len(old.entries))

	for _, m := range server {
		if m.ID == "" || fresh.byID[m.ID] != nil {
			continue
		}
		var e *entry
		switch {
		case m.ClientID != "" && old.byLocal[m.ClientID] != nil:
			e = old.byLocal[m.ClientID]
		case old.byID[m.ID] != nil:
			e = old.byID[m.ID]
		}
		if e == nil || kept[e] {
			e = &entry{}
		}
		kept[e] = true
		m = m.Clone()
		if m.Status == "" || m.Status == chat.StatusPending {
			m.Status = chat.StatusSent
		}
		if e.localID != "" {
			m.ClientID = e.localID
		}
		e.msg = m
		fresh.append(e)
	}

	var provisional []*entry
	for _, e := range old.entries {
		if kept[e] {
			continue
		}
		if e.confirmed() {
			fresh.insertConfirmed(e)
			continue
		}
		provisional = append(provisional, e)
	}
	for _, e := range provisional {
		fresh.append(e)
	}
	return fresh
}

// HandleInbound applies a pushed message.
func (s *Store) HandleInbound(msg chat.Message) (chat.Message, Outcome) {
	if msg.ID == "" || msg.ChatID == "" {
		return msg, Ignored
	}

	s.mu.Lock()
	l := s.logLocked(msg.ChatID)

	if e := l.byID[msg.ID]; e != nil {
		// re-deliveries only move the status forward
		changed := msg.Status.After(e.msg.Status)
		if changed {
			e.msg.Status = msg.Status
		}
		out := e.msg.Clone()
		s.mu.Unlock()
		if changed {
			s.changed(msg.ChatID, "status")
		}
		return out, Duplicate
	}

	if e := s.matchProvisionalLocked(l, msg); e != nil {
		s.confirmLocked(l, e, msg)
		out := e.msg.Clone()
		s.mu.Unlock()
		s.changed(msg.ChatID, e.ref().String())
		return out, Confirmed
	}

	e := &entry{msg: msg.Clone()}
	if e.msg.Status == "" || e.msg.Status == chat.StatusPending {
		e.msg.Status = chat.StatusSent
	}
	l.insertConfirmed(e)
	out := e.msg.Clone()
	s.mu.Unlock()

	s.changed(msg.ChatID, string(msg.ID))
	return out, Appended
}

// matchProvisionalLocked finds the local entry a pushed message confirms: by
// echoed client id, else, when the push carries no client id, the earliest
// pending entry from the session user with the same content and type.
func (s *Store) matchProvisionalLocked(l *convLog, msg chat.Message) *entry {
	if msg.ClientID != "" {
		if e := l.byLocal[msg.ClientID]; e != nil && !e.confirmed() {
			return e
		}
		// a foreign client id belongs to another session of the same user
		return nil
	}
	if s.self.ID == "" || msg.Sender.ID != s.self.ID {
		return nil
	}
	e, ok := lo.Find(l.entries, func(e *entry) bool {
		return !e.confirmed() && e.localID != "" && e.msg.Status == chat.StatusPending &&
			e.msg.Content == msg.Content && e.msg.Type == msg.Type
	})
	if !ok {
		return nil
	}
	return e
}

// ApplyReaction adds one reaction to a confirmed message. An empty chatID
// searches every log.
func (s *Store) ApplyReaction(chatID chat.ID, messageID chat.ID, emoji string) bool {
	s.mu.Lock()
	var target *entry
	for id, l := range s.logs {
		if chatID != "" && id != chatID {
			continue
		}
		if e := l.byID[messageID]; e != nil {
			target = e
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return false
	}
	target.msg.Reactions = chat.AddReaction(append([]chat.Reaction(nil), target.msg.Reactions...), emoji, 1)
	owner := target.msg.ChatID
	s.mu.Unlock()

	s.changed(owner, "reaction")
	return true
}

// Messages returns a copy of the log of chatID in log order.
func (s *Store) Messages(chatID chat.ID) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[chatID]
	if l == nil {
		return []chat.Message{}
	}
	return l.snapshot()
}

// Message resolves ref within chatID.
func (s *Store) Message(chatID chat.ID, ref chat.MessageRef) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[chatID]
	if l == nil {
		return chat.Message{}, false
	}
	e := l.resolve(ref)
	if e == nil {
		return chat.Message{}, false
	}
	return e.msg.Clone(), true
}

// Last returns the last confirmed or provisional message of chatID.
func (s *Store) Last(chatID chat.ID) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[chatID]
	if l == nil || len(l.entries) == 0 {
		return chat.Message{}, false
	}
	return l.entries[len(l.entries)-1].msg.Clone(), true
}

// Pending returns the number of deferred sends waiting for a connection.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}
