package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"

	"github.com/zhouzirui/one-in-one/client/internal/api"
	"github.com/zhouzirui/one-in-one/client/internal/auth"
	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
	"github.com/zhouzirui/one-in-one/client/internal/notify"
	"github.com/zhouzirui/one-in-one/client/internal/presence"
	"github.com/zhouzirui/one-in-one/client/internal/realtime"
	"github.com/zhouzirui/one-in-one/client/internal/store"
	"github.com/zhouzirui/one-in-one/client/internal/timer"
	"github.com/zhouzirui/one-in-one/client/internal/typing"
)

var (
	ErrNoSession            = errors.New("no active session")
	ErrParticipantsRequired = errors.New("at least one participant is required")
	ErrUnknownChat          = errors.New("chat not found")
	ErrEmptyMessage         = errors.New("message content is required")
	ErrEmptyAttachment      = errors.New("attachment is empty")
)

// Connection is the realtime capability the service drives. *realtime.Manager
// implements it.
type Connection interface {
	Connect(token string) error
	Close()
	State() realtime.State
	Emit(kind string, payload any) error
	Subscribe(kind string, h realtime.Handler) *realtime.Subscription
	OnStateChange(fn func(realtime.State)) *realtime.Subscription
	OnAuthFailure(fn func(error)) *realtime.Subscription
	OnDropped(fn func(realtime.Envelope, error)) *realtime.Subscription
	OnConnect(hook realtime.ConnectHook) *realtime.Subscription
}

// Options tunes the service.
type Options struct {
	TypingIdle     time.Duration
	TypingTTL      time.Duration
	SearchDebounce time.Duration
	SearchMinChars int
	BusBuffer      int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SearchDebounce <= 0 {
		o.SearchDebounce = 300 * time.Millisecond
	}
	if o.SearchMinChars <= 0 {
		o.SearchMinChars = 2
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Service is the session facade the UI layer calls.
type Service struct {
	backend  Backend
	conn     Connection
	creds    *auth.Holder
	bus      *notify.Bus
	store    *store.Store
	typing   *typing.Aggregator
	presence *presence.Tracker
	timers   *timer.Group
	opts     Options
	log      *slog.Logger

	mu         sync.Mutex
	chats      map[chat.ID]*chat.Conversation
	active     chat.ID
	subs       []*realtime.Subscription
	sessionCtx context.Context
	endCtx     context.CancelFunc
	search     searchState

	revoked chan error
}

// NewService wires the session components around backend and conn.
func NewService(backend Backend, conn Connection, creds *auth.Holder, opts Options) *Service {
	opts = opts.withDefaults()
	if creds == nil {
		creds = auth.NewHolder()
	}
	s := &Service{
		backend: backend,
		conn:    conn,
		creds:   creds,
		bus:     notify.NewBus(opts.BusBuffer, opts.Logger),
		timers:  timer.NewGroup(),
		opts:    opts,
		log:     opts.Logger.With("component", "chat"),
		chats:   make(map[chat.ID]*chat.Conversation),
		search:  searchState{status: SearchIdle},
		revoked: make(chan error, 1),
	}
	s.sessionCtx, s.endCtx = context.WithCancel(context.Background())
	s.store = store.New(backend, conn, s.bus, store.Options{Logger: opts.Logger, OnUnauthorized: s.revoke})
	s.typing = typing.New(conn, s.bus, typing.Options{IdleTimeout: opts.TypingIdle, TTL: opts.TypingTTL, Logger: opts.Logger})
	s.presence = presence.NewTracker(s.bus, opts.Logger)
	return s
}

// Start begins (or resumes) the session for token. A different credential
// clears all state before the new connection is opened.
func (s *Service) Start(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cred, err := auth.ParseCredential(token)
	if err != nil {
		return err
	}

	if s.creds.Set(cred) {
		s.log.Info("starting session", "user_id", cred.UserID)
		s.endSession()
		// endSession clears the holder as well
		s.creds.Set(cred)
	}

	s.mu.Lock()
	if s.subs == nil {
		s.subs = []*realtime.Subscription{
			s.conn.Subscribe(chat.EventMessage, s.onMessage),
			s.conn.Subscribe(chat.EventTyping, s.typing.HandleEvent),
			s.conn.Subscribe(chat.EventUserOnline, func(raw json.RawMessage) {
				s.presence.HandleEvent(chat.EventUserOnline, raw)
			}),
			s.conn.Subscribe(chat.EventUserOffline, func(raw json.RawMessage) {
				s.presence.HandleEvent(chat.EventUserOffline, raw)
			}),
			s.conn.OnStateChange(s.onState),
			s.conn.OnAuthFailure(s.revoke),
			s.conn.OnDropped(s.onDropped),
			s.conn.OnConnect(s.rejoinRooms),
		}
	}
	s.mu.Unlock()

	s.store.SetSelf(chat.User{ID: cred.UserID})
	s.typing.SetSelf(cred.UserID)
	return s.conn.Connect(cred.Token)
}

// Logout ends the session and clears every store.
func (s *Service) Logout() {
	s.log.Info("logging out", "user_id", s.creds.UserID())
	s.endSession()
	s.bus.Publish(notify.Change{Kind: notify.SessionEnded, Detail: "logout"})
}

// AuthRevoked delivers the error that ended a session because the backend
// rejected the credential.
func (s *Service) AuthRevoked() <-chan error { return s.revoked }

// Changes subscribes to change notifications.
func (s *Service) Changes() (<-chan notify.Change, func()) { return s.bus.Subscribe() }

func (s *Service) revoke(err error) {
	if !s.creds.Active() {
		return
	}
	s.log.Warn("credential rejected, ending session", "err", err)
	s.endSession()
	select {
	case s.revoked <- err:
	default:
	}
	s.bus.Publish(notify.Change{Kind: notify.SessionEnded, Detail: api.Message(err)})
}

func (s *Service) endSession() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.endCtx()
	s.sessionCtx, s.endCtx = context.WithCancel(context.Background())
	s.chats = make(map[chat.ID]*chat.Conversation)
	s.active = ""
	if s.search.cancel != nil {
		s.search.cancel()
	}
	s.search = searchState{seq: s.search.seq + 1, status: SearchIdle}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.conn.Close()
	s.timers.CancelAll()
	s.store.Reset()
	s.typing.Reset()
	s.presence.Reset()
	s.creds.Clear()
}

func (s *Service) session() (context.Context, error) {
	if !s.creds.Active() {
		return nil, ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionCtx, nil
}

func (s *Service) failed(err error) error {
	if api.IsUnauthorized(err) {
		s.revoke(err)
	}
	return err
}

func (s *Service) onState(st realtime.State) {
	s.store.SetOnline(st == realtime.Connected)
	s.bus.Publish(notify.Change{Kind: notify.ConnectionChanged, Detail: st.String()})
}

func (s *Service) onDropped(env realtime.Envelope, err error) {
	s.bus.Publish(notify.Change{Kind: notify.EventDropped, Detail: env.Event + ": " + err.Error()})
}

// rejoinRooms runs on every (re)connect before queued emits are flushed.
func (s *Service) rejoinRooms(e realtime.Emitter) error {
	s.mu.Lock()
	ids := lo.Keys(s.chats)
	s.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		if err := e.Emit(chat.EventJoinChat, chat.RoomRequest{ChatID: id}); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		s.log.Debug("rejoined rooms", "count", len(ids))
	}
	return nil
}

func (s *Service) onMessage(raw json.RawMessage) {
	var msg chat.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Debug("ignoring malformed message event", "err", err)
		return
	}
	stored, outcome := s.store.HandleInbound(msg)
	switch outcome {
	case store.Ignored, store.Duplicate:
		return
	}
	s.touch(stored, outcome == store.Appended && stored.Sender.ID != s.creds.UserID())
}

// touch updates the conversation summary for msg.
func (s *Service) touch(msg chat.Message, unread bool) {
	s.mu.Lock()
	conv, ok := s.chats[msg.ChatID]
	if !ok {
		conv = &chat.Conversation{ID: msg.ChatID, CreatedAt: msg.Timestamp}
		s.chats[msg.ChatID] = conv
	}
	if conv.LastMessage == nil || !msg.Timestamp.Before(conv.LastMessage.Timestamp) {
		last := msg.Clone()
		conv.LastMessage = &last
	}
	if msg.Timestamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.Timestamp
	}
	if unread && msg.ChatID != s.active {
		conv.UnreadCount++
	}
	ctx := s.sessionCtx
	s.mu.Unlock()

	s.bus.Publish(notify.Change{Kind: notify.ConversationsChanged, ChatID: msg.ChatID})
	if !ok {
		// a conversation someone else created; fetch its participants
		go func() {
			if _, err := s.LoadChats(ctx); err != nil && !api.IsCanceled(err) {
				s.log.Warn("refreshing chats failed", "err", err)
			}
		}()
	}
}

// LoadChats lists the session's conversations and merges them by id.
func (s *Service) LoadChats(ctx context.Context) ([]chat.Conversation, error) {
	if _, err := s.session(); err != nil {
		return nil, err
	}
	convs, err := s.backend.ListChats(ctx)
	if err != nil {
		return nil, s.failed(err)
	}

	var joined []chat.ID
	s.mu.Lock()
	for _, c := range convs {
		if s.upsertLocked(c) {
			joined = append(joined, c.ID)
		}
	}
	s.mu.Unlock()

	s.learnSelf(convs)
	s.join(joined...)
	s.bus.Publish(notify.Change{Kind: notify.ConversationsChanged})
	return s.Chats(), nil
}

// upsertLocked merges c into the conversation set and reports whether it is new.
func (s *Service) upsertLocked(c chat.Conversation) bool {
	cur, ok := s.chats[c.ID]
	next := c.Clone()
	if ok {
		if next.LastMessage == nil {
			next.LastMessage = cur.LastMessage
		}
		if next.UnreadCount == 0 {
			next.UnreadCount = cur.UnreadCount
		}
		if cur.UpdatedAt.After(next.UpdatedAt) {
			next.UpdatedAt = cur.UpdatedAt
		}
	}
	s.chats[c.ID] = &next
	return !ok
}

// learnSelf fills in the session user's profile from conversation participants.
func (s *Service) learnSelf(convs []chat.Conversation) {
	self := s.creds.UserID()
	for _, c := range convs {
		if u, ok := lo.Find(c.Participants, func(u chat.User) bool { return u.ID == self }); ok {
			s.store.SetSelf(u)
			return
		}
	}
}

func (s *Service) join(ids ...chat.ID) {
	for _, id := range ids {
		if err := s.conn.Emit(chat.EventJoinChat, chat.RoomRequest{ChatID: id}); err != nil {
			s.log.Warn("join room not sent", "chat_id", id, "err", err)
		}
	}
}

// CreateChat creates or fetches the conversation with participants
// (usernames). The same conversation id never yields two local entries.
func (s *Service) CreateChat(ctx context.Context, participants []string) (chat.Conversation, error) {
	if _, err := s.session(); err != nil {
		return chat.Conversation{}, err
	}
	names := lo.Uniq(lo.FilterMap(participants, func(p string, _ int) (string, bool) {
		p = strings.TrimSpace(p)
		return p, p != ""
	}))
	if len(names) == 0 {
		return chat.Conversation{}, ErrParticipantsRequired
	}

	conv, err := s.backend.CreateChat(ctx, names)
	if err != nil {
		return chat.Conversation{}, s.failed(err)
	}

	s.mu.Lock()
	s.upsertLocked(conv)
	out := s.chats[conv.ID].Clone()
	s.mu.Unlock()

	s.join(conv.ID)
	s.bus.Publish(notify.Change{Kind: notify.ConversationsChanged, ChatID: conv.ID})
	return out, nil
}

// SetActiveChat marks chatID as the conversation on screen and clears its unread count.
func (s *Service) SetActiveChat(chatID chat.ID) error {
	s.mu.Lock()
	conv, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownChat
	}
	s.active = chatID
	conv.UnreadCount = 0
	s.mu.Unlock()

	s.bus.Publish(notify.Change{Kind: notify.ConversationsChanged, ChatID: chatID})
	return nil
}

// ActiveChat returns the conversation on screen, if any.
func (s *Service) ActiveChat() chat.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Chats returns the conversations, most recently updated first.
func (s *Service) Chats() []chat.Conversation {
	s.mu.Lock()
	out := make([]chat.Conversation, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b chat.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

// Chat returns one conversation.
func (s *Service) Chat(chatID chat.ID) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return chat.Conversation{}, false
	}
	return c.Clone(), true
}

// SendMessage sends content optimistically. The returned ref resolves the
// entry before and after confirmation.
func (s *Service) SendMessage(ctx context.Context, chatID chat.ID, content string, typ chat.MessageType, metadata map[string]string) (chat.MessageRef, error) {
	if _, err := s.session(); err != nil {
		return chat.MessageRef{}, err
	}
	if (typ == "" || typ == chat.TypeText) && strings.TrimSpace(content) == "" {
		return chat.MessageRef{}, ErrEmptyMessage
	}
	if err := s.typing.Stop(chatID); err != nil {
		s.log.Debug("typing stop not sent", "chat_id", chatID, "err", err)
	}

	ref, err := s.store.Send(ctx, chatID, content, typ, metadata)
	if msg, ok := s.store.Message(chatID, ref); ok {
		s.touch(msg, false)
	}
	return ref, err
}

// SendAttachment sends data as an image, video, audio or file message
// depending on its detected MIME type.
func (s *Service) SendAttachment(ctx context.Context, chatID chat.ID, filename string, data []byte) (chat.MessageRef, error) {
	if len(data) == 0 {
		return chat.MessageRef{}, ErrEmptyAttachment
	}
	mtype := mimetype.Detect(data)
	mime := mtype.String()
	meta := map[string]string{
		chat.MetaURL:      "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		chat.MetaFilename: filename,
		chat.MetaSize:     strconv.Itoa(len(data)),
		chat.MetaMime:     mime,
	}
	return s.SendMessage(ctx, chatID, filename, attachmentType(mime), meta)
}

func attachmentType(mime string) chat.MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return chat.TypeImage
	case strings.HasPrefix(mime, "video/"):
		return chat.TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return chat.TypeAudio
	default:
		return chat.TypeFile
	}
}

// RetryMessage re-sends a failed message.
func (s *Service) RetryMessage(ctx context.Context, chatID chat.ID, localID string) error {
	if _, err := s.session(); err != nil {
		return err
	}
	return s.store.Retry(ctx, chatID, localID)
}

// DismissMessage drops a failed or pending message from the log.
func (s *Service) DismissMessage(chatID chat.ID, localID string) error {
	return s.store.Dismiss(chatID, localID)
}

// LoadMessages fetches the history of chatID and merges it with local state.
func (s *Service) LoadMessages(ctx context.Context, chatID chat.ID) ([]chat.Message, error) {
	if _, err := s.session(); err != nil {
		return nil, err
	}
	if err := s.store.Load(ctx, chatID); err != nil {
		return nil, err
	}
	if last, ok := s.store.Last(chatID); ok && !last.Provisional() {
		s.touch(last, false)
	}
	return s.store.Messages(chatID), nil
}

// Messages returns the local log of chatID.
func (s *Service) Messages(chatID chat.ID) []chat.Message { return s.store.Messages(chatID) }

// Message resolves ref in chatID.
func (s *Service) Message(chatID chat.ID, ref chat.MessageRef) (chat.Message, bool) {
	return s.store.Message(chatID, ref)
}

// AddReaction reacts to a confirmed message.
func (s *Service) AddReaction(ctx context.Context, chatID, messageID chat.ID, emoji string) error {
	if _, err := s.session(); err != nil {
		return err
	}
	rec, err := s.backend.AddReaction(ctx, messageID, emoji)
	if err != nil {
		return s.failed(err)
	}
	if rec.Emoji != "" {
		emoji = rec.Emoji
	}
	if !s.store.ApplyReaction(chatID, messageID, emoji) {
		s.log.Debug("reaction for message not in local log", "message_id", messageID)
	}
	return nil
}

// StartTyping records input activity in chatID.
func (s *Service) StartTyping(chatID chat.ID) error {
	if _, err := s.session(); err != nil {
		return err
	}
	return s.typing.Start(chatID)
}

// StopTyping ends composing in chatID immediately.
func (s *Service) StopTyping(chatID chat.ID) error { return s.typing.Stop(chatID) }

// TypingUsers returns the users typing in chatID.
func (s *Service) TypingUsers(chatID chat.ID) []chat.ID { return s.typing.Users(chatID) }

// IsOnline reports the presence of userID.
func (s *Service) IsOnline(userID chat.ID) bool { return s.presence.IsOnline(userID) }

// OnlineUsers returns every online user id.
func (s *Service) OnlineUsers() []chat.ID { return s.presence.Online() }

// ConnectionState returns the realtime connection state.
func (s *Service) ConnectionState() realtime.State { return s.conn.State() }

// Self returns the session user id, empty when logged out.
func (s *Service) Self() chat.ID { return s.creds.UserID() }
