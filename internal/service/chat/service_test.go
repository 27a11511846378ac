package chat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/zhouzirui/one-in-one/client/internal/api"
	"github.com/zhouzirui/one-in-one/client/internal/mocks"
	model "github.com/zhouzirui/one-in-one/client/internal/model/chat"
	"github.com/zhouzirui/one-in-one/client/internal/realtime"
	chat "github.com/zhouzirui/one-in-one/client/internal/service/chat"
)

// wsServer is a minimal realtime backend.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	reject   atomic.Int32
	frames   chan realtime.Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{frames: make(chan realtime.Envelope, 256)}
	r := chi.NewRouter()
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if code := ws.reject.Load(); code != 0 {
			http.Error(w, http.StatusText(int(code)), int(code))
			return
		}
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()
		go func() {
			for {
				var env realtime.Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				ws.frames <- env
			}
		}()
	})
	ws.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		ws.drop()
		ws.srv.Close()
	})
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http") + "/ws"
}

func (ws *wsServer) drop() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, c := range ws.conns {
		_ = c.Close()
	}
	ws.conns = nil
}

func (ws *wsServer) push(t *testing.T, event, data string) {
	t.Helper()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	require.NotEmpty(t, ws.conns)
	conn := ws.conns[len(ws.conns)-1]
	require.NoError(t, conn.WriteJSON(realtime.Envelope{Event: event, Data: json.RawMessage(data)}))
}

// next returns the next client frame of the given event kind.
func (ws *wsServer) next(t *testing.T, event string) realtime.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ws.frames:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s frame received", event)
		}
	}
}

type harness struct {
	svc     *chat.Service
	backend *mocks.MockBackend
	ws      *wsServer
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	ws := newWSServer(t)
	conn := realtime.NewManager(realtime.Options{
		URL:           ws.url(),
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	})
	svc := chat.NewService(backend, conn, nil, chat.Options{
		TypingIdle:     50 * time.Millisecond,
		TypingTTL:      100 * time.Millisecond,
		SearchDebounce: 60 * time.Millisecond,
	})
	t.Cleanup(svc.Logout)
	return &harness{svc: svc, backend: backend, ws: ws}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background(), token(t, "1")))
	require.Eventually(t, func() bool { return h.svc.ConnectionState() == realtime.Connected },
		2*time.Second, 5*time.Millisecond)
}

func twoPartyChat(id model.ID) model.Conversation {
	return model.Conversation{
		ID: id,
		Participants: []model.User{
			{ID: "1", Username: "me"},
			{ID: "2", Username: "bob"},
		},
	}
}

func TestSearchUsersDebouncesAndSkipsShortQueries(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.EXPECT().
		SearchUsers(gomock.Any(), "ab").
		Return([]model.User{{ID: "1", Username: "abby-me"}, {ID: "7", Username: "abe"}}, nil).
		Times(1)

	h.svc.SearchUsers("a")
	require.Equal(t, chat.SearchIdle, h.svc.SearchState().Status)
	time.Sleep(150 * time.Millisecond)

	h.svc.SearchUsers(" ab ")
	require.Equal(t, chat.SearchPending, h.svc.SearchState().Status)

	require.Eventually(t, func() bool {
		st := h.svc.SearchState()
		return st.Status == chat.SearchIdle && len(st.Results) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, model.ID("7"), h.svc.SearchResults()[0].ID)
}

func TestSearchUsersLastQueryWins(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.EXPECT().
		SearchUsers(gomock.Any(), "abc").
		Return([]model.User{{ID: "3", Username: "abc"}}, nil).
		Times(1)

	h.svc.SearchUsers("ab")
	time.Sleep(20 * time.Millisecond)
	h.svc.SearchUsers("abc")

	require.Eventually(t, func() bool {
		st := h.svc.SearchState()
		return st.Status == chat.SearchIdle && st.Query == "abc" && len(st.Results) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSearchUsersFailureSetsErrorState(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.EXPECT().
		SearchUsers(gomock.Any(), "zz").
		Return(nil, &api.Error{Kind: api.KindTransient, Status: 500, Message: "search down"})

	h.svc.SearchUsers("zz")
	require.Eventually(t, func() bool { return h.svc.SearchState().Status == chat.SearchError }, time.Second, 5*time.Millisecond)
	require.Equal(t, "search down", h.svc.SearchState().Error)
}

func TestSendWhileOfflineConfirmsAfterReconnect(t *testing.T) {
	h := newHarness(t)
	h.ws.reject.Store(http.StatusServiceUnavailable)
	require.NoError(t, h.svc.Start(context.Background(), token(t, "1")))

	h.backend.EXPECT().
		SendMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req model.SendRequest) (model.Message, error) {
			return model.Message{ID: "501", ClientID: req.ClientID, ChatID: req.ChatID, Sender: model.User{ID: "1"},
				Content: req.Content, Type: req.Type, Status: model.StatusSent, Timestamp: time.Now().UTC()}, nil
		})

	ref, err := h.svc.SendMessage(context.Background(), "C123", "hi", model.TypeText, nil)
	require.NoError(t, err)
	msgs := h.svc.Messages("C123")
	require.Len(t, msgs, 1)
	require.Equal(t, model.StatusPending, msgs[0].Status)

	h.ws.reject.Store(0)
	require.Eventually(t, func() bool {
		m, ok := h.svc.Message("C123", ref)
		return ok && m.Status == model.StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	msgs = h.svc.Messages("C123")
	require.Len(t, msgs, 1)
	require.Equal(t, model.ID("501"), msgs[0].ID)

	fanout := h.ws.next(t, model.EventSendMessage)
	require.Contains(t, string(fanout.Data), `"content":"hi"`)
}

func TestCreateChatDedupsAndJoinsRoom(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	h.backend.EXPECT().
		CreateChat(gomock.Any(), []string{"bob"}).
		Return(twoPartyChat("12"), nil).
		Times(2)

	_, err := h.svc.CreateChat(ctx, nil)
	require.ErrorIs(t, err, chat.ErrParticipantsRequired)

	conv, err := h.svc.CreateChat(ctx, []string{" bob", "bob", ""})
	require.NoError(t, err)
	require.Equal(t, model.ID("12"), conv.ID)
	_, err = h.svc.CreateChat(ctx, []string{"bob"})
	require.NoError(t, err)

	require.Len(t, h.svc.Chats(), 1)
	join := h.ws.next(t, model.EventJoinChat)
	require.JSONEq(t, `{"chatId":12}`, string(join.Data))
	h.ws.next(t, model.EventJoinChat)

	// a reconnect re-joins every known room
	h.ws.drop()
	join = h.ws.next(t, model.EventJoinChat)
	require.JSONEq(t, `{"chatId":12}`, string(join.Data))
}

func TestPushEventsAreRouted(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.EXPECT().ListChats(gomock.Any()).Return([]model.Conversation{twoPartyChat("12")}, nil)
	_, err := h.svc.LoadChats(context.Background())
	require.NoError(t, err)

	msg := `{"id":9,"chatId":12,"sender":{"id":2,"username":"bob"},"content":"yo","type":"text","timestamp":"2024-05-01T10:00:00"}`
	h.ws.push(t, model.EventMessage, msg)
	h.ws.push(t, model.EventMessage, msg)
	h.ws.push(t, model.EventTyping, `{"chatId":12,"userId":2,"isTyping":true}`)
	h.ws.push(t, model.EventUserOnline, `{"userId":2}`)

	require.Eventually(t, func() bool { return h.svc.IsOnline("2") }, time.Second, 5*time.Millisecond)
	require.Len(t, h.svc.Messages("12"), 1)

	conv, ok := h.svc.Chat("12")
	require.True(t, ok)
	require.Equal(t, 1, conv.UnreadCount)
	require.NotNil(t, conv.LastMessage)
	require.Equal(t, "yo", conv.LastMessage.Content)

	require.NoError(t, h.svc.SetActiveChat("12"))
	conv, _ = h.svc.Chat("12")
	require.Zero(t, conv.UnreadCount)
	require.ErrorIs(t, h.svc.SetActiveChat("404"), chat.ErrUnknownChat)

	// no stop ever arrives; the indicator still expires
	require.Eventually(t, func() bool { return len(h.svc.TypingUsers("12")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStartTypingEmitsOnTransitionOnly(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.svc.StartTyping("12"))
	require.NoError(t, h.svc.StartTyping("12"))

	start := h.ws.next(t, model.EventTyping)
	require.JSONEq(t, `{"chatId":12,"isTyping":true}`, string(start.Data))
	stop := h.ws.next(t, model.EventTyping)
	require.JSONEq(t, `{"chatId":12,"isTyping":false}`, string(stop.Data))
}

func TestSendAttachmentDetectsType(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	var got model.SendRequest
	h.backend.EXPECT().
		SendMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req model.SendRequest) (model.Message, error) {
			got = req
			return model.Message{ID: "77", ChatID: req.ChatID, Content: req.Content, Type: req.Type, Metadata: req.Metadata}, nil
		})

	_, err := h.svc.SendAttachment(context.Background(), "12", "cat.png", png)
	require.NoError(t, err)
	require.Equal(t, model.TypeImage, got.Type)
	require.Equal(t, "image/png", got.Metadata[model.MetaMime])
	require.Equal(t, "cat.png", got.Metadata[model.MetaFilename])
	require.Equal(t, "16", got.Metadata[model.MetaSize])
	require.True(t, strings.HasPrefix(got.Metadata[model.MetaURL], "data:image/png;base64,"))

	_, err = h.svc.SendAttachment(context.Background(), "12", "empty", nil)
	require.ErrorIs(t, err, chat.ErrEmptyAttachment)
}

func TestUnauthorizedResponseRevokesSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.EXPECT().
		ListChats(gomock.Any()).
		Return(nil, &api.Error{Kind: api.KindUnauthorized, Status: 401, Message: "Token has expired"})

	_, err := h.svc.LoadChats(context.Background())
	require.ErrorIs(t, err, api.ErrUnauthorized)

	select {
	case err := <-h.svc.AuthRevoked():
		require.True(t, api.IsUnauthorized(err))
	case <-time.After(time.Second):
		t.Fatal("session was not revoked")
	}
	require.Empty(t, h.svc.Self())
	require.Equal(t, realtime.Disconnected, h.svc.ConnectionState())

	_, err = h.svc.LoadChats(context.Background())
	require.ErrorIs(t, err, chat.ErrNoSession)
}

func TestRejectedHandshakeRevokesSession(t *testing.T) {
	h := newHarness(t)
	h.ws.reject.Store(http.StatusUnauthorized)

	require.NoError(t, h.svc.Start(context.Background(), token(t, "1")))
	select {
	case err := <-h.svc.AuthRevoked():
		require.True(t, api.IsUnauthorized(err))
	case <-time.After(2 * time.Second):
		t.Fatal("session was not revoked")
	}
	assert.Equal(t, realtime.Disconnected, h.svc.ConnectionState())
}

func TestCredentialChangeClearsState(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.EXPECT().ListChats(gomock.Any()).Return([]model.Conversation{twoPartyChat("12")}, nil)
	_, err := h.svc.LoadChats(context.Background())
	require.NoError(t, err)
	h.ws.push(t, model.EventUserOnline, `{"userId":2}`)
	require.Eventually(t, func() bool { return h.svc.IsOnline("2") }, time.Second, 5*time.Millisecond)

	// same credential keeps the session
	require.NoError(t, h.svc.Start(context.Background(), token(t, "1")))
	require.Len(t, h.svc.Chats(), 1)

	require.NoError(t, h.svc.Start(context.Background(), token(t, "5")))
	require.Empty(t, h.svc.Chats())
	require.False(t, h.svc.IsOnline("2"))
	require.Equal(t, model.ID("5"), h.svc.Self())

	h.svc.Logout()
	require.Empty(t, h.svc.Self())
	require.Equal(t, realtime.Disconnected, h.svc.ConnectionState())
}
