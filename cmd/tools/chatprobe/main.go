package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/one-in-one/client/internal/api"
	"github.com/zhouzirui/one-in-one/client/internal/auth"
	"github.com/zhouzirui/one-in-one/client/internal/config"
	"github.com/zhouzirui/one-in-one/client/internal/logging"
	model "github.com/zhouzirui/one-in-one/client/internal/model/chat"
	"github.com/zhouzirui/one-in-one/client/internal/notify"
	"github.com/zhouzirui/one-in-one/client/internal/realtime"
	"github.com/zhouzirui/one-in-one/client/internal/service/chat"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("无法加载 .env，改用系统环境变量", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("配置加载失败", err)
	}

	mode := flag.String("mode", "chats", "测试模式: chats, history, send, attach 或 watch")
	token := flag.String("token", cfg.Backend.Token, "会话令牌，默认读取 CHAT_TOKEN")
	chatID := flag.String("chat", "", "会话 ID (history/send/attach/watch)")
	text := flag.String("text", "", "send 模式发送的文本")
	file := flag.String("file", "", "attach 模式上传的文件路径")
	timeout := flag.Duration("timeout", 30*time.Second, "整体超时时间 (watch 模式为监听时长)")
	verbose := flag.Bool("v", false, "输出调试日志")
	flag.Parse()

	level := cfg.Log.Level
	if *verbose {
		level = "debug"
	}
	logger := logging.NewWriter(os.Stderr, level, cfg.Log.Format)
	slog.SetDefault(logger)

	if strings.TrimSpace(*token) == "" {
		flag.Usage()
		fatal("缺少令牌，请通过 -token 或 CHAT_TOKEN 提供", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc := newService(cfg, logger)
	defer svc.Logout()

	if err := svc.Start(ctx, *token); err != nil {
		fatal("建立会话失败", err)
	}
	if err := waitConnected(ctx, svc); err != nil {
		fatal("实时连接未建立", err)
	}
	logger.Info("会话已建立", "self", svc.Self(), "ws", cfg.Backend.WSURL)

	if _, err := svc.LoadChats(ctx); err != nil {
		fatal("加载会话列表失败", err)
	}

	switch *mode {
	case "chats":
		printChats(svc)
	case "history":
		runHistory(ctx, svc, requireChat(*chatID))
	case "send":
		runSend(ctx, svc, requireChat(*chatID), *text)
	case "attach":
		runAttach(ctx, svc, requireChat(*chatID), *file)
	case "watch":
		runWatch(ctx, svc, model.ID(*chatID))
	default:
		flag.Usage()
		fatal("未知模式 "+*mode, nil)
	}
}

func newService(cfg *config.Config, logger *slog.Logger) *chat.Service {
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
	return chat.NewService(backend, conn, creds, chat.Options{
		TypingIdle:     cfg.Session.TypingIdle,
		TypingTTL:      cfg.Session.TypingTTL,
		SearchDebounce: cfg.Session.SearchDebounce,
		SearchMinChars: cfg.Session.SearchMinChars,
		Logger:         logger,
	})
}

func waitConnected(ctx context.Context, svc *chat.Service) error {
	changes, release := svc.Changes()
	defer release()
	for svc.ConnectionState() != realtime.Connected {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-svc.AuthRevoked():
			return err
		case <-changes:
		}
	}
	return nil
}

func requireChat(id string) model.ID {
	if strings.TrimSpace(id) == "" {
		fatal("该模式需要通过 -chat 指定会话 ID", nil)
	}
	return model.ID(strings.TrimSpace(id))
}

func printChats(svc *chat.Service) {
	for _, c := range svc.Chats() {
		last := ""
		if c.LastMessage != nil {
			last = fmt.Sprintf("%s: %q", c.LastMessage.Sender.Name(), c.LastMessage.Content)
		}
		fmt.Printf("%-8s %-24s unread=%-3d updated=%-16s %s\n",
			c.ID, c.Title(svc.Self()), c.UnreadCount, humanize.Time(c.UpdatedAt), last)
	}
}

func runHistory(ctx context.Context, svc *chat.Service, chatID model.ID) {
	msgs, err := svc.LoadMessages(ctx, chatID)
	if err != nil {
		fatal("加载历史消息失败", err)
	}
	for _, m := range msgs {
		printMessage(m)
	}
}

func runSend(ctx context.Context, svc *chat.Service, chatID model.ID, text string) {
	if strings.TrimSpace(text) == "" {
		fatal("send 模式需要通过 -text 提供消息内容", nil)
	}
	ref, err := svc.SendMessage(ctx, chatID, text, model.TypeText, nil)
	if err != nil {
		fatal("发送失败", err)
	}
	awaitConfirmed(ctx, svc, chatID, ref)
}

func runAttach(ctx context.Context, svc *chat.Service, chatID model.ID, path string) {
	if path == "" {
		fatal("attach 模式需要通过 -file 指定文件", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("读取文件失败", err)
	}
	ref, err := svc.SendAttachment(ctx, chatID, filepath.Base(path), data)
	if err != nil {
		fatal("发送附件失败", err)
	}
	awaitConfirmed(ctx, svc, chatID, ref)
}

func awaitConfirmed(ctx context.Context, svc *chat.Service, chatID model.ID, ref model.MessageRef) {
	changes, release := svc.Changes()
	defer release()
	for {
		if m, ok := svc.Message(chatID, ref); ok && !m.Provisional() {
			fmt.Printf("已确认: id=%s status=%s\n", m.ID, m.Status)
			return
		} else if ok && m.Status == model.StatusFailed {
			fatal("消息发送失败", nil)
		}
		select {
		case <-ctx.Done():
			fatal("等待确认超时", ctx.Err())
		case <-changes:
		}
	}
}

func runWatch(ctx context.Context, svc *chat.Service, chatID model.ID) {
	if chatID != "" {
		if err := svc.SetActiveChat(chatID); err != nil {
			fatal("切换会话失败", err)
		}
	}
	changes, release := svc.Changes()
	defer release()

	fmt.Println("监听中，Ctrl+C 或超时退出")
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			printChange(svc, c)
		}
	}
}

func printChange(svc *chat.Service, c notify.Change) {
	switch c.Kind {
	case notify.MessagesChanged:
		if last := lastMessage(svc, c.ChatID); last != nil {
			printMessage(*last)
		}
	case notify.TypingChanged:
		fmt.Printf("[typing] chat=%s users=%v\n", c.ChatID, svc.TypingUsers(c.ChatID))
	case notify.PresenceChanged:
		fmt.Printf("[presence] user=%s online=%t\n", c.UserID, svc.IsOnline(c.UserID))
	default:
		fmt.Printf("[%s] chat=%s %s\n", c.Kind, c.ChatID, c.Detail)
	}
}

func lastMessage(svc *chat.Service, chatID model.ID) *model.Message {
	msgs := svc.Messages(chatID)
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}

func printMessage(m model.Message) {
	name := m.Sender.Name()
	body := m.Content
	if m.Type != model.TypeText {
		body = fmt.Sprintf("[%s %s %s]", m.Type, m.Metadata[model.MetaFilename], readableSize(m.Metadata[model.MetaSize]))
	}
	fmt.Printf("%s %-12s %-9s %s\n", m.Timestamp.Local().Format("15:04:05"), name, m.Status, body)
}

func readableSize(raw string) string {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return raw
	}
	return humanize.Bytes(n)
}

func fatal(msg string, err error) {
	if err != nil {
		slog.Error(msg, "err", err)
	} else {
		slog.Error(msg)
	}
	os.Exit(1)
}
