package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" default:"development"`
	Host          string `env:"HOST" default:"127.0.0.1"`
	Port          string `env:"PORT" default:"8080"`
	WebSocketPath string `env:"WS_PATH" default:"/ws/"`
	LogLevel      string `env:"LOG_LEVEL" default:"info"`
	LogFormat     string `env:"LOG_FORMAT" default:"text"`

	UpstreamURL       string        `env:"UPSTREAM_URL" default:"wss://ws.blockchain.info/inv"`
	UpstreamSubscribe string        `env:"UPSTREAM_SUBSCRIBE" default:"{\"op\":\"unconfirmed_sub\"}"`
	UpstreamKeepalive time.Duration `env:"UPSTREAM_KEEPALIVE" default:"30s"`
	UpstreamQueueSize int           `env:"UPSTREAM_QUEUE_SIZE" default:"1024"`

	ReconnectInitialBackoff time.Duration `env:"RECONNECT_INITIAL_BACKOFF" default:"1s"`
	ReconnectMaxBackoff     time.Duration `env:"RECONNECT_MAX_BACKOFF" default:"30s"`
	ReconnectMaxAttempts    int           `env:"RECONNECT_MAX_ATTEMPTS" default:"20"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"5s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" default:"10s"`
	ClientQueueSize   int           `env:"CLIENT_QUEUE_SIZE" default:"256"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Addr is the listen address of the gateway.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("UPSTREAM_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("UPSTREAM_URL must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("UPSTREAM_URL must include a host")
	}
	if cfg.AppEnv == "production" && u.Scheme != "wss" {
		return errors.New("UPSTREAM_URL must use wss which is required in production")
	}

	if !strings.HasPrefix(cfg.WebSocketPath, "/") {
		return fmt.Errorf("WS_PATH must start with /, got %q", cfg.WebSocketPath)
	}

	if cfg.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.HeartbeatTimeout < 2*cfg.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%v) must be at least twice HEARTBEAT_INTERVAL (%v)", cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	}
	if cfg.UpstreamKeepalive <= 0 {
		return errors.New("UPSTREAM_KEEPALIVE must be positive")
	}

	if cfg.ReconnectMaxAttempts < 1 {
		return errors.New("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.ReconnectInitialBackoff <= 0 {
		return errors.New("RECONNECT_INITIAL_BACKOFF must be positive")
	}
	if cfg.ReconnectMaxBackoff < cfg.ReconnectInitialBackoff {
		return errors.New("RECONNECT_MAX_BACKOFF must not be smaller than RECONNECT_INITIAL_BACKOFF")
	}

	positive := map[string]int{
		"CLIENT_QUEUE_SIZE":         cfg.ClientQueueSize,
		"UPSTREAM_QUEUE_SIZE":       cfg.UpstreamQueueSize,
		"MAX_WEBSOCKET_CONNECTIONS": cfg.MaxWebSocketConnections,
		"MAX_CONNECTIONS_PER_IP":    cfg.MaxConnectionsPerIP,
		"CONNECTION_BURST":          cfg.ConnectionBurst,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.ConnectionRate <= 0 {
		return errors.New("CONNECTION_RATE must be positive")
	}

	return nil
}
