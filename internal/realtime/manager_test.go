package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/one-in-one/client/internal/api"
	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
)

type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	rejectWith atomic.Int32
	handshakes atomic.Int32

	mu     sync.Mutex
	conns  []*websocket.Conn
	tokens []string

	received chan Envelope
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{received: make(chan Envelope, 256)}
	r := chi.NewRouter()
	r.Get("/ws", fs.handle)
	fs.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		fs.dropAll()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.handshakes.Add(1)
	if code := fs.rejectWith.Load(); code != 0 {
		http.Error(w, "rejected", int(code))
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.tokens = append(fs.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	fs.mu.Unlock()

	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			fs.received <- env
		}
	}()
}

func (fs *fakeServer) latest() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) push(t *testing.T, event string, data string) {
	t.Helper()
	conn := fs.latest()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: json.RawMessage(data)}))
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
	fs.conns = nil
}

func (fs *fakeServer) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-fs.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return Envelope{}
	}
}

func testOptions(url string) Options {
	return Options{
		URL:           url,
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  100 * time.Millisecond,
		WriteTimeout:  time.Second,
	}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s", want)
}

func TestManagerDeliversInTransportOrderToAllHandlers(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testOptions(fs.url()))
	t.Cleanup(m.Close)

	var mu sync.Mutex
	var seen []string
	record := func(tag string) Handler {
		return func(data json.RawMessage) {
			var p struct{ N int }
			_ = json.Unmarshal(data, &p)
			mu.Lock()
			seen = append(seen, tag+string(rune('0'+p.N)))
			mu.Unlock()
		}
	}
	m.Subscribe(chat.EventMessage, record("a"))
	m.Subscribe(chat.EventMessage, record("b"))

	require.NoError(t, m.Connect("tok"))
	waitState(t, m, Connected)

	for i := 1; i <= 3; i++ {
		fs.push(t, chat.EventMessage, `{"n":`+string(rune('0'+i))+`}`)
	}
	fs.push(t, "unknown", `{}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 6
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a1", "b1", "a2", "b2", "a3", "b3"}, seen)
}

func TestManagerUnsubscribe(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testOptions(fs.url()))
	t.Cleanup(m.Close)

	var gone, kept atomic.Int32
	sub := m.Subscribe(chat.EventTyping, func(json.RawMessage) { gone.Add(1) })
	m.Subscribe(chat.EventTyping, func(json.RawMessage) { kept.Add(1) })
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, m.Connect("tok"))
	waitState(t, m, Connected)
	fs.push(t, chat.EventTyping, `{"chatId":1}`)

	require.Eventually(t, func() bool { return kept.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, gone.Load())
}

func TestManagerFlushesOutboxAfterConnectHooks(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testOptions(fs.url()))
	t.Cleanup(m.Close)

	require.NoError(t, m.Emit(chat.EventSendMessage, map[string]string{"content": "first"}))
	require.NoError(t, m.Emit(chat.EventSendMessage, map[string]string{"content": "second"}))
	require.Equal(t, 2, m.Queued())

	m.OnConnect(func(e Emitter) error {
		return e.Emit(chat.EventJoinChat, chat.RoomRequest{ChatID: "12"})
	})

	require.NoError(t, m.Connect("tok"))

	req := require.New(t)
	req.Equal(chat.EventJoinChat, fs.next(t).Event)
	first := fs.next(t)
	req.Equal(chat.EventSendMessage, first.Event)
	req.JSONEq(`{"content":"first"}`, string(first.Data))
	second := fs.next(t)
	req.JSONEq(`{"content":"second"}`, string(second.Data))

	waitState(t, m, Connected)
	req.Zero(m.Queued())

	req.NoError(m.Emit(chat.EventTyping, chat.TypingIntent{ChatID: "12", IsTyping: true}))
	req.Equal(chat.EventTyping, fs.next(t).Event)
}

func TestManagerOutboxOverflowDrops(t *testing.T) {
	opts := testOptions("ws://127.0.0.1:1/ws")
	opts.OutboxSize = 2
	m := NewManager(opts)

	var dropped []Envelope
	m.OnDropped(func(env Envelope, err error) {
		require.ErrorIs(t, err, ErrOutboxFull)
		dropped = append(dropped, env)
	})

	require.NoError(t, m.Emit(chat.EventTyping, nil))
	require.NoError(t, m.Emit(chat.EventTyping, nil))
	require.ErrorIs(t, m.Emit(chat.EventSendMessage, nil), ErrOutboxFull)

	require.Len(t, dropped, 1)
	require.Equal(t, chat.EventSendMessage, dropped[0].Event)
	require.Equal(t, 2, m.Queued())
}

func TestManagerAuthRejectionStopsRetrying(t *testing.T) {
	fs := newFakeServer(t)
	fs.rejectWith.Store(http.StatusUnauthorized)
	m := NewManager(testOptions(fs.url()))
	t.Cleanup(m.Close)

	failures := make(chan error, 1)
	m.OnAuthFailure(func(err error) { failures <- err })

	require.NoError(t, m.Connect("expired"))

	select {
	case err := <-failures:
		require.True(t, api.IsUnauthorized(err))
	case <-time.After(2 * time.Second):
		t.Fatal("auth failure not reported")
	}
	waitState(t, m, Disconnected)
	assert.Never(t, func() bool { return fs.handshakes.Load() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testOptions(fs.url()))
	t.Cleanup(m.Close)

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	var hooks atomic.Int32
	m.OnConnect(func(Emitter) error {
		hooks.Add(1)
		return nil
	})

	require.NoError(t, m.Connect("tok"))
	waitState(t, m, Connected)

	fs.dropAll()

	require.Eventually(t, func() bool { return hooks.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, m, Connected)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, states, Reconnecting)
	require.Equal(t, Connected, states[len(states)-1])
}

func TestManagerConnectSameTokenIsNoop(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testOptions(fs.url()))
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect("tok"))
	waitState(t, m, Connected)
	require.NoError(t, m.Connect("tok"))
	assert.Never(t, func() bool { return fs.handshakes.Load() > 1 }, 150*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, m.Connect("other"))
	require.Eventually(t, func() bool { return fs.handshakes.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, m, Connected)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, []string{"tok", "other"}, fs.tokens)
}

func TestManagerCloseStopsReconnecting(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testOptions(fs.url()))

	require.NoError(t, m.Connect("tok"))
	waitState(t, m, Connected)

	m.Close()
	require.Equal(t, Disconnected, m.State())
	assert.Never(t, func() bool { return fs.handshakes.Load() > 1 }, 200*time.Millisecond, 10*time.Millisecond)

	require.ErrorIs(t, m.Connect(""), ErrEmptyToken)
}
