package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config 聚合整个客户端的配置项。
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Realtime RealtimeConfig
	Session  SessionConfig
	Log      LogConfig
}

// ServerConfig 描述本地桥接 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// BackendConfig 描述聊天后端的地址。
type BackendConfig struct {
	APIURL  string
	WSURL   string
	Timeout time.Duration
	// Token 非空时桥接服务启动后立即建立会话
	Token string
}

// RealtimeConfig 描述长连接参数。
type RealtimeConfig struct {
	OutboxSize      int
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64
	PingInterval    time.Duration
}

// SessionConfig 描述输入状态与搜索的时间参数。
type SessionConfig struct {
	TypingIdle     time.Duration
	TypingTTL      time.Duration
	SearchDebounce time.Duration
	SearchMinChars int
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

type environment struct {
	APIURL          string        `env:"CHAT_API_URL,default=http://localhost:5000" validate:"required,url"`
	WSURL           string        `env:"CHAT_WS_URL" validate:"omitempty,url"`
	Port            string        `env:"PORT,default=8090"`
	CORSOrigins     string        `env:"CORS_ORIGINS,default=*"`
	Token           string        `env:"CHAT_TOKEN"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT,default=15s" validate:"gt=0"`
	OutboxSize      int           `env:"OUTBOX_SIZE,default=256" validate:"gte=1"`
	ReconnectBase   time.Duration `env:"RECONNECT_BASE,default=500ms" validate:"gt=0"`
	ReconnectMax    time.Duration `env:"RECONNECT_MAX,default=30s" validate:"gtefield=ReconnectBase"`
	ReconnectJitter float64       `env:"RECONNECT_JITTER,default=0.5" validate:"gte=0,lte=1"`
	PingInterval    time.Duration `env:"PING_INTERVAL,default=25s" validate:"gte=0"`
	TypingIdle      time.Duration `env:"TYPING_IDLE,default=1s" validate:"gt=0"`
	TypingTTL       time.Duration `env:"TYPING_TTL,default=1500ms" validate:"gtefield=TypingIdle"`
	SearchDebounce  time.Duration `env:"SEARCH_DEBOUNCE,default=300ms" validate:"gte=0"`
	SearchMinChars  int           `env:"SEARCH_MIN_CHARS,default=2" validate:"gte=1"`
	LogLevel        string        `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogFormat       string        `env:"LOG_FORMAT,default=text" validate:"oneof=text json"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	return LoadFrom(os.Environ())
}

// LoadFrom 从给定的 KEY=VALUE 列表加载配置。
func LoadFrom(environ []string) (*Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	var raw environment
	if err := env.Unmarshal(es, &raw); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	raw.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	raw.LogFormat = strings.ToLower(strings.TrimSpace(raw.LogFormat))
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	server, err := loadServerConfig(raw.Port)
	if err != nil {
		return nil, err
	}
	server.AllowedOrigins = splitList(raw.CORSOrigins)

	wsURL := strings.TrimSpace(raw.WSURL)
	if wsURL == "" {
		if wsURL, err = deriveWSURL(raw.APIURL); err != nil {
			return nil, err
		}
	}

	return &Config{
		Server: server,
		Backend: BackendConfig{
			APIURL:  strings.TrimRight(raw.APIURL, "/"),
			WSURL:   wsURL,
			Timeout: raw.HTTPTimeout,
			Token:   strings.TrimSpace(raw.Token),
		},
		Realtime: RealtimeConfig{
			OutboxSize:      raw.OutboxSize,
			ReconnectBase:   raw.ReconnectBase,
			ReconnectMax:    raw.ReconnectMax,
			ReconnectJitter: raw.ReconnectJitter,
			PingInterval:    raw.PingInterval,
		},
		Session: SessionConfig{
			TypingIdle:     raw.TypingIdle,
			TypingTTL:      raw.TypingTTL,
			SearchDebounce: raw.SearchDebounce,
			SearchMinChars: raw.SearchMinChars,
		},
		Log: LogConfig{Level: raw.LogLevel, Format: raw.LogFormat},
	}, nil
}

// loadServerConfig 解析本地监听地址。
func loadServerConfig(port string) (ServerConfig, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8090"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8090" 或 "127.0.0.1:8090"。
		return ServerConfig{Addr: port}, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// deriveWSURL 把 http(s) 地址换成 ws(s) 并追加 /ws。
func deriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(apiURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid CHAT_API_URL value %q: %w", apiURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported CHAT_API_URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
