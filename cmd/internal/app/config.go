package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dcSpark/urbit-visor/cmd/internal/conn"
	"github.com/dcSpark/urbit-visor/cmd/internal/gateway"
	"github.com/dcSpark/urbit-visor/cmd/internal/ship"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `env:"VISOR_HTTP_ADDR" envDefault:"127.0.0.1:8787"`
	// AllowPublicBind permits listening on a non-loopback address.
	AllowPublicBind bool `env:"VISOR_ALLOW_PUBLIC_BIND" envDefault:"false"`

	LogLevel  string `env:"VISOR_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"VISOR_LOG_FORMAT" envDefault:"json"`
	LogColor  bool   `env:"VISOR_LOG_COLOR" envDefault:"true"`

	ReadHeaderTimeout time.Duration `env:"VISOR_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"VISOR_HTTP_READ_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"VISOR_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"VISOR_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"VISOR_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	CORSAllowedOrigins   []string `env:"VISOR_CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"VISOR_CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"VISOR_CORS_MAX_AGE_SECONDS" envDefault:"600"`

	// Storage: Postgres when DatabaseURL is set, otherwise SQLite at
	// StatePath, otherwise (StatePath empty) process memory.
	DatabaseURL string `env:"VISOR_DATABASE_URL"`
	DBSchema    string `env:"VISOR_DB_SCHEMA" envDefault:"visor"`
	DBMaxConns  int32  `env:"VISOR_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"VISOR_DB_MIN_CONNS" envDefault:"0"`
	StatePath   string `env:"VISOR_STATE_PATH" envDefault:"visor.db"`

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool `env:"VISOR_READINESS_REQUIRE_DB" envDefault:"false"`

	VaultIdleTimeout time.Duration `env:"VISOR_VAULT_IDLE_TIMEOUT" envDefault:"0s"`

	ReconnectMaxTries uint          `env:"VISOR_RECONNECT_MAX_TRIES" envDefault:"3"`
	ReconnectInitial  time.Duration `env:"VISOR_RECONNECT_INITIAL" envDefault:"250ms"`
	ReconnectMax      time.Duration `env:"VISOR_RECONNECT_MAX" envDefault:"5s"`
	ReconnectQueue    int           `env:"VISOR_RECONNECT_QUEUE" envDefault:"64"`
	CallTimeout       time.Duration `env:"VISOR_CALL_TIMEOUT" envDefault:"30s"`
	CloseInactive     bool          `env:"VISOR_CLOSE_INACTIVE_SHIPS" envDefault:"false"`

	LoginTimeout  time.Duration `env:"VISOR_LOGIN_TIMEOUT" envDefault:"5s"`
	ShipRetryMax  int           `env:"VISOR_SHIP_RETRY_MAX" envDefault:"2"`
	ShipRateLimit float64       `env:"VISOR_SHIP_RATE_LIMIT" envDefault:"0"`
	ShipBurst     int           `env:"VISOR_SHIP_BURST" envDefault:"10"`

	WSAllowedOrigins    []string      `env:"VISOR_WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	WSDevInsecure       bool          `env:"VISOR_WS_DEV_INSECURE" envDefault:"false"`
	WSSendQueue         int           `env:"VISOR_WS_SEND_QUEUE" envDefault:"256"`
	WSWriteTimeout      time.Duration `env:"VISOR_WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSReadIdleTimeout   time.Duration `env:"VISOR_WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	WSHelloTimeout      time.Duration `env:"VISOR_WS_HELLO_TIMEOUT" envDefault:"10s"`
	WSHeartbeatInterval time.Duration `env:"VISOR_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatTimeout  time.Duration `env:"VISOR_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSRateEvents        int           `env:"VISOR_WS_RATE_EVENTS" envDefault:"120"`
	WSRateWindow        time.Duration `env:"VISOR_WS_RATE_WINDOW" envDefault:"10s"`
	WSMaxInflight       int           `env:"VISOR_WS_MAX_INFLIGHT" envDefault:"32"`

	// OwnExtensionID is the host of the extension origin treated as the
	// broker's own (privileged) extension.
	OwnExtensionID string   `env:"VISOR_EXTENSION_ID"`
	UIOrigins      []string `env:"VISOR_UI_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://127.0.0.1:5173"`

	MetricsEnabled bool `env:"VISOR_METRICS_ENABLED" envDefault:"true"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) connConfig() conn.Config {
	return conn.Config{
		ReconnectMaxTries: c.ReconnectMaxTries,
		ReconnectInitial:  c.ReconnectInitial,
		ReconnectMax:      c.ReconnectMax,
		QueueSize:         c.ReconnectQueue,
		CallTimeout:       c.CallTimeout,
		CloseInactive:     c.CloseInactive,
		Ship:              c.shipOptions(),
	}
}

func (c Config) shipOptions() ship.Options {
	return ship.Options{
		LoginTimeout: c.LoginTimeout,
		CallTimeout:  c.CallTimeout,
		RetryMax:     c.ShipRetryMax,
		RateLimit:    c.ShipRateLimit,
		Burst:        c.ShipBurst,
	}
}

func (c Config) gatewayConfig() gateway.Config {
	return gateway.Config{
		AllowedOrigins:   c.WSAllowedOrigins,
		DevInsecure:      c.WSDevInsecure,
		SendQueueSize:    c.WSSendQueue,
		WriteTimeout:     c.WSWriteTimeout,
		ReadIdleTimeout:  c.WSReadIdleTimeout,
		HelloTimeout:     c.WSHelloTimeout,
		HeartbeatEvery:   c.WSHeartbeatInterval,
		HeartbeatTimeout: c.WSHeartbeatTimeout,
		RateEvents:       c.WSRateEvents,
		RateWindow:       c.WSRateWindow,
		MaxInflight:      c.WSMaxInflight,
	}
}
