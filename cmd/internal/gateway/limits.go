package gateway

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 256 << 10 // 256 KiB

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	defaultHelloTimeout = 10 * time.Second
	closeGrace          = 1 * time.Second

	maxPingFailures = 3

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection request rate (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Requests a single connection may have in flight.
	defaultMaxInflight = 32
)

// Config tunes the gateway. Zero fields select the defaults above.
type Config struct {
	// AllowedOrigins lists origins (or "*") allowed to open a socket.
	AllowedOrigins []string
	// DevInsecure disables the websocket library's own origin check.
	DevInsecure bool

	SendQueueSize    int
	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	HelloTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents  int
	RateWindow  time.Duration
	MaxInflight int
}

func (c Config) withDefaults() Config {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = defaultHelloTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = defaultMaxInflight
	}
	return c
}
