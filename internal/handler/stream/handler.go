package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/zhouzirui/one-in-one/client/internal/notify"
	"github.com/zhouzirui/one-in-one/client/pkg/utils"
)

// DefaultHeartbeat 空闲时发送心跳的间隔
const DefaultHeartbeat = 15 * time.Second

// Source 提供变更通知订阅，*chat.Service 实现了它
type Source interface {
	Changes() (<-chan notify.Change, func())
}

// Handler 通过 Server-Sent Events 推送会话变更
type Handler struct {
	source    Source
	heartbeat time.Duration
	log       *slog.Logger
}

// New 创建推送处理器；heartbeat 为 0 时使用默认值
func New(source Source, heartbeat time.Duration, log *slog.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{source: source, heartbeat: heartbeat, log: log.With("component", "sse")}
}

// StatusEvent 是流建立时发送的首个事件
type StatusEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// ServeHTTP 持续推送变更直到客户端断开
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	changes, cancel := h.source.Changes()
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEChunk(w, flusher, StatusEvent{Event: "status", Message: "stream established"}); err != nil {
		return
	}

	h.log.Debug("opening change stream", "remote", r.RemoteAddr)
	if err := h.pump(r.Context(), w, flusher, changes); err != nil {
		h.log.Debug("change stream write failed", "err", err)
	}
	h.log.Debug("closing change stream", "remote", r.RemoteAddr)
}

func (h *Handler) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, changes <-chan notify.Change) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if err := utils.SendSSEEvent(w, flusher, string(c.Kind), c); err != nil {
				return err
			}
		case t := <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat "+t.UTC().Format(time.RFC3339)); err != nil {
				return err
			}
		}
	}
}
