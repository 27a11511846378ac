// Package realtime owns the session's single duplex WebSocket connection:
// connect, authenticate, reconnect with backoff, typed subscribe/emit and a
// bounded outbox for events emitted while offline.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/one-in-one/client/internal/api"
)

var (
	// ErrOutboxFull is returned by Emit when the event had to be dropped.
	ErrOutboxFull = errors.New("realtime outbox full, event dropped")
	ErrEmptyToken = errors.New("realtime: empty credential")

	errStale = errors.New("realtime: connection superseded")
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// Emitter writes events. Connect hooks receive one bound to the fresh connection.
type Emitter interface {
	Emit(kind string, payload any) error
}

// ConnectHook runs after every successful (re)connect and before queued emits
// are flushed, e.g. to re-join conversation rooms.
type ConnectHook func(Emitter) error

// Subscription releases a registration.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the registration. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type registration[T any] struct {
	id uint64
	fn T
}

// Manager is the ConnectionManager of a session.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	state  State
	token  string
	conn   *websocket.Conn
	cancel context.CancelFunc
	epoch  uint64
	outbox *outbox

	writeMu sync.Mutex

	regMu    sync.RWMutex
	nextID   uint64
	handlers map[string][]registration[Handler]
	states   []registration[func(State)]
	authFail []registration[func(error)]
	dropped  []registration[func(Envelope, error)]
	hooks    []registration[ConnectHook]
}

// NewManager creates a disconnected manager.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:     opts,
		log:      opts.Logger.With("component", "realtime"),
		outbox:   newOutbox(opts.OutboxSize),
		handlers: make(map[string][]registration[Handler]),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Queued returns the number of emits waiting for a connection.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbox.len()
}

// Connect opens the connection for token. It is a no-op while a connection
// for the same token is connecting or live; a different token tears the
// current connection down first. Failures are reported asynchronously.
func (m *Manager) Connect(token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	m.mu.Lock()
	if m.token == token && m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.teardownLocked()
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.token = token
	m.outbox.reset()
	m.mu.Unlock()

	m.setState(epoch, Connecting)
	go m.run(ctx, epoch, token)
	return nil
}

// Close ends the session's connection: no reconnect, outbox discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	m.teardownLocked()
	m.epoch++
	m.token = ""
	m.outbox.reset()
	prev := m.state
	m.state = Disconnected
	m.mu.Unlock()

	if prev != Disconnected {
		m.notifyState(Disconnected)
	}
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// Emit sends an event now when connected, otherwise queues it. A full queue
// drops the event, notifies OnDropped listeners and returns ErrOutboxFull.
func (m *Manager) Emit(kind string, payload any) error {
	env, err := newEnvelope(kind, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == Connected && m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		err := m.write(conn, env)
		if err == nil {
			return nil
		}
		m.log.Warn("write failed, queueing event", "event", kind, "err", err)
		// the read loop sees the close and reconnects
		_ = conn.Close()
		m.mu.Lock()
		ok := m.outbox.pushFront(env)
		m.mu.Unlock()
		if !ok {
			m.notifyDropped(env, ErrOutboxFull)
			return ErrOutboxFull
		}
		return nil
	}
	ok := m.outbox.push(env)
	m.mu.Unlock()

	if !ok {
		m.log.Warn("outbox full, dropping event", "event", kind, "limit", m.opts.OutboxSize)
		m.notifyDropped(env, ErrOutboxFull)
		return ErrOutboxFull
	}
	return nil
}

// Subscribe registers h for inbound events of kind. Handlers of one kind run
// in registration order on the delivery goroutine, in transport order.
func (m *Manager) Subscribe(kind string, h Handler) *Subscription {
	m.regMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[kind] = append(m.handlers[kind], registration[Handler]{id: id, fn: h})
	m.regMu.Unlock()

	return &Subscription{cancel: func() {
		m.regMu.Lock()
		defer m.regMu.Unlock()
		m.handlers[kind] = slices.DeleteFunc(slices.Clone(m.handlers[kind]), func(r registration[Handler]) bool {
			return r.id == id
		})
		if len(m.handlers[kind]) == 0 {
			delete(m.handlers, kind)
		}
	}}
}

// OnStateChange registers a lifecycle listener.
func (m *Manager) OnStateChange(fn func(State)) *Subscription {
	return register(m, &m.states, fn)
}

// OnAuthFailure registers a listener for a rejected handshake. The manager is
// Disconnected when it fires and will not retry.
func (m *Manager) OnAuthFailure(fn func(error)) *Subscription {
	return register(m, &m.authFail, fn)
}

// OnDropped registers a listener for events dropped by a full outbox.
func (m *Manager) OnDropped(fn func(Envelope, error)) *Subscription {
	return register(m, &m.dropped, fn)
}

// OnConnect registers a hook run on every (re)connect before the outbox flush.
func (m *Manager) OnConnect(hook ConnectHook) *Subscription {
	return register(m, &m.hooks, hook)
}

func register[T any](m *Manager, list *[]registration[T], fn T) *Subscription {
	m.regMu.Lock()
	m.nextID++
	id := m.nextID
	*list = append(*list, registration[T]{id: id, fn: fn})
	m.regMu.Unlock()

	return &Subscription{cancel: func() {
		m.regMu.Lock()
		defer m.regMu.Unlock()
		*list = slices.DeleteFunc(slices.Clone(*list), func(r registration[T]) bool { return r.id == id })
	}}
}

func snapshot[T any](m *Manager, list *[]registration[T]) []T {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	fns := make([]T, 0, len(*list))
	for _, r := range *list {
		fns = append(fns, r.fn)
	}
	return fns
}

func (m *Manager) run(ctx context.Context, epoch uint64, token string) {
	b := m.opts.newBackOff()

	for {
		conn, err := m.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if api.IsUnauthorized(err) {
				m.log.Warn("handshake rejected", "err", err)
				if m.abandon(epoch) {
					m.notifyAuthFailure(err)
				}
				return
			}
			delay := b.NextBackOff()
			m.log.Info("dial failed, retrying", "err", err, "retry_in", delay)
			m.setState(epoch, Reconnecting)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		if err := m.establish(epoch, conn); err != nil {
			_ = conn.Close()
			m.detach(epoch, conn)
			if ctx.Err() != nil || errors.Is(err, errStale) {
				return
			}
			delay := b.NextBackOff()
			m.log.Warn("connection setup failed, retrying", "err", err, "retry_in", delay)
			m.setState(epoch, Reconnecting)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		b.Reset()
		m.log.Info("connected", "url", m.opts.URL)

		err = m.serve(ctx, conn)
		_ = conn.Close()
		m.detach(epoch, conn)
		if ctx.Err() != nil {
			return
		}

		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			m.log.Info("connection closed by server", "err", err)
		} else {
			m.log.Warn("connection lost", "err", err)
		}
		m.setState(epoch, Reconnecting)
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &api.Error{Kind: api.KindUnauthorized, Status: resp.StatusCode, Message: "realtime handshake rejected", Err: err}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// establish attaches conn, runs connect hooks and flushes the outbox before
// marking the manager Connected, so queued emits follow room re-joins.
func (m *Manager) establish(epoch uint64, conn *websocket.Conn) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return errStale
	}
	m.conn = conn
	m.mu.Unlock()

	direct := &connEmitter{m: m, conn: conn}
	for _, hook := range snapshot(m, &m.hooks) {
		if err := hook(direct); err != nil {
			return fmt.Errorf("connect hook: %w", err)
		}
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return errStale
	}
	pending := m.outbox.drain()
	for i, env := range pending {
		if err := m.write(conn, env); err != nil {
			m.outbox.items = append(pending[i:], m.outbox.items...)
			m.mu.Unlock()
			return fmt.Errorf("flush outbox: %w", err)
		}
	}
	m.state = Connected
	m.mu.Unlock()

	if len(pending) > 0 {
		m.log.Debug("flushed queued events", "count", len(pending))
	}
	m.notifyState(Connected)
	return nil
}

func (m *Manager) detach(epoch uint64, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch && m.conn == conn {
		m.conn = nil
	}
}

// abandon ends the session after a rejected handshake.
func (m *Manager) abandon(epoch uint64) bool {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	m.teardownLocked()
	m.token = ""
	m.outbox.reset()
	m.state = Disconnected
	m.mu.Unlock()

	m.notifyState(Disconnected)
	return true
}

func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readWait := 2 * m.opts.PingInterval
	if m.opts.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
		go m.pingLoop(connCtx, conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if m.opts.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			m.log.Debug("ignoring malformed frame", "err", err, "bytes", len(data))
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env Envelope) {
	m.regMu.RLock()
	regs := slices.Clone(m.handlers[env.Event])
	m.regMu.RUnlock()

	if len(regs) == 0 {
		m.log.Debug("no handler for event", "event", env.Event)
		return
	}
	for _, r := range regs {
		m.safeCall(env.Event, func() { r.fn(env.Data) })
	}
}

func (m *Manager) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	fn()
}

// pingLoop keeps the connection alive; a failed ping closes it.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.log.Debug("ping failed", "err", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) write(conn *websocket.Conn, env Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	return conn.WriteJSON(env)
}

func (m *Manager) setState(epoch uint64, s State) {
	m.mu.Lock()
	if m.epoch != epoch || m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.notifyState(s)
}

func (m *Manager) notifyState(s State) {
	for _, fn := range snapshot(m, &m.states) {
		m.safeCall("state", func() { fn(s) })
	}
}

func (m *Manager) notifyAuthFailure(err error) {
	for _, fn := range snapshot(m, &m.authFail) {
		m.safeCall("auth", func() { fn(err) })
	}
}

func (m *Manager) notifyDropped(env Envelope, err error) {
	for _, fn := range snapshot(m, &m.dropped) {
		m.safeCall("dropped", func() { fn(env, err) })
	}
}

type connEmitter struct {
	m    *Manager
	conn *websocket.Conn
}

func (e *connEmitter) Emit(kind string, payload any) error {
	env, err := newEnvelope(kind, payload)
	if err != nil {
		return err
	}
	return e.m.write(e.conn, env)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
