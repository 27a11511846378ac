package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/one-in-one/client/internal/api"
	"github.com/zhouzirui/one-in-one/client/internal/auth"
	"github.com/zhouzirui/one-in-one/client/internal/config"
	"github.com/zhouzirui/one-in-one/client/internal/handler"
	"github.com/zhouzirui/one-in-one/client/internal/logging"
	"github.com/zhouzirui/one-in-one/client/internal/realtime"
	"github.com/zhouzirui/one-in-one/client/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, continuing with system environment variables only", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	creds := auth.NewHolder()
	backend := api.NewClient(cfg.Backend.APIURL, nil, creds, logger, cfg.Backend.Timeout)
	conn := realtime.NewManager(realtime.Options{
		URL:             cfg.Backend.WSURL,
		OutboxSize:      cfg.Realtime.OutboxSize,
		ReconnectBase:   cfg.Realtime.ReconnectBase,
		ReconnectMax:    cfg.Realtime.ReconnectMax,
		ReconnectJitter: cfg.Realtime.ReconnectJitter,
		PingInterval:    cfg.Realtime.PingInterval,
		Logger:          logger,
	})
	chatService := chat.NewService(backend, conn, creds, chat.Options{
		TypingIdle:     cfg.Session.TypingIdle,
		TypingTTL:      cfg.Session.TypingTTL,
		SearchDebounce: cfg.Session.SearchDebounce,
		SearchMinChars: cfg.Session.SearchMinChars,
		Logger:         logger,
	})
	defer chatService.Logout()

	go watchRevocations(ctx, chatService, logger)

	if cfg.Backend.Token != "" {
		if err := chatService.Start(ctx, cfg.Backend.Token); err != nil {
			logger.Warn("failed to start session from CHAT_TOKEN", "err", err)
		} else if _, err := chatService.LoadChats(ctx); err != nil {
			logger.Warn("initial chat list failed", "err", err)
		}
	}

	router := handler.NewRouter(chatService, handler.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	startServer(ctx, cfg.Server, router, logger)
}

// watchRevocations 记录后端拒绝凭证导致的会话结束
func watchRevocations(ctx context.Context, svc *chat.Service, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-svc.AuthRevoked():
			logger.Warn("session ended by backend, waiting for a new token", "err", api.Message(err))
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *slog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// 事件流随进程退出而结束
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Info("chat bridge listening", "addr", addr)
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
