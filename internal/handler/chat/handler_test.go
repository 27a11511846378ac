package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/zhouzirui/one-in-one/client/internal/api"
	"github.com/zhouzirui/one-in-one/client/internal/mocks"
	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
	"github.com/zhouzirui/one-in-one/client/internal/realtime"
	chatservice "github.com/zhouzirui/one-in-one/client/internal/service/chat"
)

// fakeConn is an always-connected realtime link that records emits.
type fakeConn struct {
	mu     sync.Mutex
	state  realtime.State
	emits  []string
	states []func(realtime.State)
}

func (c *fakeConn) Connect(string) error {
	c.mu.Lock()
	c.state = realtime.Connected
	listeners := append([]func(realtime.State){}, c.states...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(realtime.Connected)
	}
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = realtime.Disconnected
}

func (c *fakeConn) State() realtime.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Emit(kind string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emits = append(c.emits, kind)
	return nil
}

func (c *fakeConn) emitted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.emits...)
}

func (c *fakeConn) Subscribe(string, realtime.Handler) *realtime.Subscription {
	return &realtime.Subscription{}
}

func (c *fakeConn) OnStateChange(fn func(realtime.State)) *realtime.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, fn)
	return &realtime.Subscription{}
}

func (c *fakeConn) OnAuthFailure(func(error)) *realtime.Subscription { return &realtime.Subscription{} }

func (c *fakeConn) OnDropped(func(realtime.Envelope, error)) *realtime.Subscription {
	return &realtime.Subscription{}
}

func (c *fakeConn) OnConnect(realtime.ConnectHook) *realtime.Subscription {
	return &realtime.Subscription{}
}

type fixture struct {
	router  *chi.Mux
	svc     *chatservice.Service
	backend *mocks.MockBackend
	conn    *fakeConn
}

func setupRouter(t *testing.T) *fixture {
	t.Helper()
	backend := mocks.NewMockBackend(gomock.NewController(t))
	// sends to a chat not yet listed trigger a background refresh
	backend.EXPECT().ListChats(gomock.Any()).Return(nil, nil).AnyTimes()
	conn := &fakeConn{}
	svc := chatservice.NewService(backend, conn, nil, chatservice.Options{
		TypingIdle:     time.Second,
		TypingTTL:      2 * time.Second,
		SearchDebounce: 10 * time.Millisecond,
	})
	t.Cleanup(svc.Logout)

	r := chi.NewRouter()
	New(svc, nil).RegisterRoutes(r)
	return &fixture{router: r, svc: svc, backend: backend, conn: conn}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	resp := f.do(http.MethodPost, "/session", map[string]string{"token": tok})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
}

func TestStartSessionRequiresToken(t *testing.T) {
	f := setupRouter(t)

	resp := f.do(http.MethodPost, "/session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(http.MethodGet, "/chats?refresh=true", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestStartSessionReportsStatus(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	resp := f.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, realtime.Connected.String(), status.State)
	assert.Equal(t, chat.ID("1"), status.Self)

	resp = f.do(http.MethodDelete, "/session", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Empty(t, f.svc.Self())
}

func TestCreateChatAndActivate(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	f.backend.EXPECT().
		CreateChat(gomock.Any(), []string{"bob"}).
		Return(chat.Conversation{ID: "12", Participants: []chat.User{{ID: "1"}, {ID: "2", Username: "bob"}}}, nil)

	resp := f.do(http.MethodPost, "/chats", map[string]any{"participants": []string{"bob", " bob "}})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Contains(t, f.conn.emitted(), chat.EventJoinChat)

	resp = f.do(http.MethodPost, "/chats/12/active", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, chat.ID("12"), f.svc.ActiveChat())

	resp = f.do(http.MethodPost, "/chats/99/active", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.do(http.MethodPost, "/chats", map[string]any{"participants": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSendMessageReturnsConfirmedEntry(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	f.backend.EXPECT().
		SendMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req chat.SendRequest) (chat.Message, error) {
			return chat.Message{
				ID:        "501",
				ClientID:  req.ClientID,
				ChatID:    req.ChatID,
				Sender:    chat.User{ID: "1"},
				Content:   req.Content,
				Type:      req.Type,
				Timestamp: time.Now(),
				Status:    chat.StatusSent,
			}, nil
		})

	resp := f.do(http.MethodPost, "/chats/12/messages", map[string]string{"content": "hi"})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var out struct {
		LocalID string       `json:"localId"`
		Message chat.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.NotEmpty(t, out.LocalID)
	assert.Equal(t, chat.ID("501"), out.Message.ID)
	assert.Equal(t, chat.StatusSent, out.Message.Status)

	resp = f.do(http.MethodGet, "/chats/12/messages", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var msgs []chat.Message
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestFailedSendCanBeRetriedAndDismissed(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	f.backend.EXPECT().
		SendMessage(gomock.Any(), gomock.Any()).
		Return(chat.Message{}, &api.Error{Kind: api.KindTransient, Status: 503, Message: "unavailable"}).
		Times(2)

	resp := f.do(http.MethodPost, "/chats/12/messages", map[string]string{"content": "hi"})
	require.Equal(t, http.StatusBadGateway, resp.Code)

	var out sendResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.NotNil(t, out.Message)
	assert.Equal(t, chat.StatusFailed, out.Message.Status)
	assert.Equal(t, "unavailable", out.Error)

	resp = f.do(http.MethodPost, "/chats/12/messages/"+out.LocalID+"/retry", nil)
	assert.Equal(t, http.StatusBadGateway, resp.Code)

	resp = f.do(http.MethodDelete, "/chats/12/messages/"+out.LocalID, nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Empty(t, f.svc.Messages("12"))

	resp = f.do(http.MethodDelete, "/chats/12/messages/"+out.LocalID, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSendEmptyMessageRejected(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	resp := f.do(http.MethodPost, "/chats/12/messages", map[string]string{"content": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(http.MethodPost, "/chats/12/messages", map[string]string{"content": "x", "type": "sticker"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSendAttachmentUpload(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	f.backend.EXPECT().
		SendMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req chat.SendRequest) (chat.Message, error) {
			assert.Equal(t, chat.TypeFile, req.Type)
			assert.Equal(t, "notes.txt", req.Metadata[chat.MetaFilename])
			return chat.Message{ID: "9", ClientID: req.ClientID, ChatID: req.ChatID, Sender: chat.User{ID: "1"},
				Content: req.Content, Type: req.Type, Metadata: req.Metadata, Timestamp: time.Now()}, nil
		})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("plain text notes\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/chats/12/attachments", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
}

func TestTypingTogglesComposing(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	resp := f.do(http.MethodPost, "/chats/12/typing", map[string]bool{"typing": true})
	require.Equal(t, http.StatusOK, resp.Code)
	resp = f.do(http.MethodPost, "/chats/12/typing", map[string]bool{"typing": true})
	require.Equal(t, http.StatusOK, resp.Code)
	resp = f.do(http.MethodPost, "/chats/12/typing", map[string]bool{"typing": true, "sent": true})
	require.Equal(t, http.StatusOK, resp.Code)

	assert.Equal(t, []string{chat.EventTyping, chat.EventTyping}, f.conn.emitted())
}

func TestReactionRoute(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	f.backend.EXPECT().
		AddReaction(gomock.Any(), chat.ID("501"), "👍").
		Return(chat.ReactionRecord{Emoji: "👍"}, nil)

	resp := f.do(http.MethodPost, "/messages/501/reactions", map[string]string{"emoji": "👍", "chatId": "12"})
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = f.do(http.MethodPost, "/messages/501/reactions", map[string]string{"chatId": "12"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSearchRoutes(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	f.backend.EXPECT().
		SearchUsers(gomock.Any(), "bo").
		Return([]chat.User{{ID: "1", Username: "bob-self"}, {ID: "2", Username: "bob"}}, nil)

	resp := f.do(http.MethodGet, "/users/search?q=b", nil)
	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"idle"`)

	resp = f.do(http.MethodGet, "/users/search?q=bo", nil)
	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"pending"`)

	require.Eventually(t, func() bool {
		return len(f.svc.SearchResults()) == 1
	}, time.Second, 5*time.Millisecond)

	resp = f.do(http.MethodGet, "/users/search/results", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var snap chatservice.SearchSnapshot
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &snap))
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "bob", snap.Results[0].Username)
}

func TestPresenceRoute(t *testing.T) {
	f := setupRouter(t)
	f.login(t)

	resp := f.do(http.MethodGet, "/presence", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"online":[]}`, resp.Body.String())

	resp = f.do(http.MethodGet, "/presence?user=2", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"userId":"2","online":false}`, resp.Body.String())
}

func TestStatusForMapsKinds(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, statusFor(&api.Error{Kind: api.KindUnauthorized}))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&api.Error{Kind: api.KindRejected, Status: 400}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(realtime.ErrOutboxFull))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
}
