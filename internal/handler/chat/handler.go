package chat

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/one-in-one/client/internal/api"
	"github.com/zhouzirui/one-in-one/client/internal/auth"
	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
	"github.com/zhouzirui/one-in-one/client/internal/realtime"
	chatService "github.com/zhouzirui/one-in-one/client/internal/service/chat"
	"github.com/zhouzirui/one-in-one/client/internal/store"
	"github.com/zhouzirui/one-in-one/client/pkg/utils"
)

// maxAttachmentBytes 限制单个附件大小
const maxAttachmentBytes = 10 << 20

// Handler 会话服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	log     *slog.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{chatSvc: chatSvc, log: log.With("component", "handler")}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleStartSession)
	r.Delete("/session", h.handleLogout)
	r.Get("/status", h.handleStatus)

	r.Route("/chats", func(r chi.Router) {
		r.Get("/", h.handleListChats)
		r.Post("/", h.handleCreateChat)
		r.Route("/{chatID}", func(r chi.Router) {
			r.Post("/active", h.handleSetActive)
			r.Post("/typing", h.handleTyping)
			r.Post("/attachments", h.handleSendAttachment)
			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handleSendMessage)
			r.Post("/messages/{localID}/retry", h.handleRetry)
			r.Delete("/messages/{localID}", h.handleDismiss)
		})
	})

	r.Post("/messages/{messageID}/reactions", h.handleReaction)
	r.Get("/users/search", h.handleSearch)
	r.Get("/users/search/results", h.handleSearchResults)
	r.Get("/presence", h.handlePresence)
}

type sessionRequest struct {
	Token string `json:"token" validate:"required"`
}

type createChatRequest struct {
	Participants []string `json:"participants" validate:"required,min=1,dive,required"`
}

type sendRequest struct {
	Content  string            `json:"content"`
	Type     chat.MessageType  `json:"type" validate:"omitempty,oneof=text image video audio file"`
	Metadata map[string]string `json:"metadata"`
}

type typingRequest struct {
	Typing bool `json:"typing"`
	Sent   bool `json:"sent"`
}

type reactionRequest struct {
	ChatID chat.ID `json:"chatId"`
	Emoji  string  `json:"emoji" validate:"required"`
}

// sendResponse 描述一次乐观发送的结果
type sendResponse struct {
	LocalID string        `json:"localId,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type statusResponse struct {
	State      string  `json:"state"`
	Self       chat.ID `json:"self,omitempty"`
	ActiveChat chat.ID `json:"activeChat,omitempty"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var payload sessionRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.chatSvc.Start(r.Context(), payload.Token); err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, h.status())
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.chatSvc.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.status())
}

func (h *Handler) status() statusResponse {
	return statusResponse{
		State:      h.chatSvc.ConnectionState().String(),
		Self:       h.chatSvc.Self(),
		ActiveChat: h.chatSvc.ActiveChat(),
	}
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	if refresh(r) {
		chats, err := h.chatSvc.LoadChats(r.Context())
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, chats)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.chatSvc.Chats())
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var payload createChatRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := h.chatSvc.CreateChat(r.Context(), payload.Participants)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.SetActiveChat(chatID(r)); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTyping(w http.ResponseWriter, r *http.Request) {
	var payload typingRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chatID(r)
	var err error
	if payload.Typing && !payload.Sent {
		err = h.chatSvc.StartTyping(id)
	} else {
		err = h.chatSvc.StopTyping(id)
	}
	if err != nil && !errors.Is(err, realtime.ErrOutboxFull) {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"typing": h.chatSvc.TypingUsers(id)})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chatID(r)
	if refresh(r) {
		msgs, err := h.chatSvc.LoadMessages(r.Context(), id)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, msgs)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.chatSvc.Messages(id))
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload sendRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Type == "" {
		payload.Type = chat.TypeText
	}
	id := chatID(r)
	ref, err := h.chatSvc.SendMessage(r.Context(), id, payload.Content, payload.Type, payload.Metadata)
	h.respondSend(w, id, ref, err)
}

func (h *Handler) handleSendAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "file form field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusRequestEntityTooLarge, "attachment too large")
		return
	}
	id := chatID(r)
	ref, err := h.chatSvc.SendAttachment(r.Context(), id, header.Filename, data)
	h.respondSend(w, id, ref, err)
}

// respondSend 返回乐观条目；发送失败但条目已入日志时仍返回条目。
func (h *Handler) respondSend(w http.ResponseWriter, id chat.ID, ref chat.MessageRef, err error) {
	msg, ok := h.chatSvc.Message(id, ref)
	if !ok {
		if err == nil {
			err = store.ErrUnknownMessage
		}
		h.respondServiceError(w, err)
		return
	}
	resp := sendResponse{LocalID: ref.Value, Message: &msg}
	if err != nil {
		resp.Error = api.Message(err)
		utils.RespondJSON(w, statusFor(err), resp)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chatID(r)
	localID := chi.URLParam(r, "localID")
	if err := h.chatSvc.RetryMessage(r.Context(), id, localID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	msg, _ := h.chatSvc.Message(id, chat.Provisional(localID))
	utils.RespondJSON(w, http.StatusAccepted, sendResponse{LocalID: localID, Message: &msg})
}

func (h *Handler) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DismissMessage(chatID(r), chi.URLParam(r, "localID")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReaction(w http.ResponseWriter, r *http.Request) {
	var payload reactionRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	messageID := chat.ID(chi.URLParam(r, "messageID"))
	if err := h.chatSvc.AddReaction(r.Context(), payload.ChatID, messageID, payload.Emoji); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	h.chatSvc.SearchUsers(r.URL.Query().Get("q"))
	utils.RespondJSON(w, http.StatusAccepted, h.chatSvc.SearchState())
}

func (h *Handler) handleSearchResults(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.chatSvc.SearchState())
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if user := r.URL.Query().Get("user"); user != "" {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"userId": user,
			"online": h.chatSvc.IsOnline(chat.ID(user)),
		})
		return
	}
	online := h.chatSvc.OnlineUsers()
	if online == nil {
		online = []chat.ID{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"online": online})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("request failed", "status", status, "err", err)
	}
	utils.RespondError(w, status, api.Message(err))
}

// statusFor 将服务层错误映射为HTTP状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrNoSession), errors.Is(err, auth.ErrEmptyToken):
		return http.StatusUnauthorized
	case errors.Is(err, chatService.ErrUnknownChat), errors.Is(err, store.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrParticipantsRequired),
		errors.Is(err, chatService.ErrEmptyMessage),
		errors.Is(err, chatService.ErrEmptyAttachment),
		errors.Is(err, store.ErrChatRequired),
		errors.Is(err, store.ErrInvalidType):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotRetryable), errors.Is(err, store.ErrNotProvisional):
		return http.StatusConflict
	case errors.Is(err, realtime.ErrOutboxFull):
		return http.StatusServiceUnavailable
	}
	switch api.KindOf(err) {
	case api.KindUnauthorized:
		return http.StatusUnauthorized
	case api.KindRejected:
		return http.StatusUnprocessableEntity
	case api.KindTransient, api.KindDecode:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func chatID(r *http.Request) chat.ID {
	return chat.ID(chi.URLParam(r, "chatID"))
}

func refresh(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return v
}
