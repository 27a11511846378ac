package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/one-in-one/client/internal/handler/chat"
	"github.com/zhouzirui/one-in-one/client/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/one-in-one/client/internal/middleware"
	chatService "github.com/zhouzirui/one-in-one/client/internal/service/chat"
	"github.com/zhouzirui/one-in-one/client/pkg/utils"
)

// RouterOptions configures the local bridge.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter wires the bridge routes to the session service.
func NewRouter(chatSvc *chatService.Service, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.AllowedOrigins))

	chatHandler := chat.New(chatSvc, opts.Logger)
	streamHandler := stream.New(chatSvc, 0, opts.Logger)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		api.Method(http.MethodGet, "/events", streamHandler)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusNotFound, "route not found")
	})

	return r
}
