package realtime

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Options configures the connection manager.
type Options struct {
	URL              string        // WebSocket endpoint
	OutboxSize       int           // emits queued while not connected
	ReconnectBase    time.Duration // first backoff interval
	ReconnectMax     time.Duration // backoff cap
	ReconnectJitter  float64       // randomization factor in [0,1]
	PingInterval     time.Duration // 0 disables keepalive pings
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
}

// DefaultOptions returns the production defaults for url.
func DefaultOptions(url string) Options {
	return Options{
		URL:              url,
		OutboxSize:       256,
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		ReconnectJitter:  0.5,
		PingInterval:     25 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions(o.URL)
	if o.OutboxSize <= 0 {
		o.OutboxSize = def.OutboxSize
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = def.ReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = def.ReconnectMax
	}
	if o.ReconnectJitter < 0 || o.ReconnectJitter > 1 {
		o.ReconnectJitter = def.ReconnectJitter
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			HandshakeTimeout: o.HandshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// newBackOff builds the reconnect schedule. It never gives up on its own;
// the session context ends retries.
func (o Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.ReconnectBase
	b.MaxInterval = o.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = o.ReconnectJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
