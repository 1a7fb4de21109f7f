package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// -----------------------------------------------------------------------------
// Every value has a default so a developer can run against a local broker with
// no environment at all. Override per environment with the variables below.
// -----------------------------------------------------------------------------

type Config struct {
	Broker BrokerConfig
	HTTP   HTTPConfig
	Log    LogConfig
	Watch  WatchConfig
}

// BrokerConfig is the client configuration surface: endpoint, reconnect policy
// and debug logging.
type BrokerConfig struct {
	URL                  string        `envconfig:"BROKER_URL" default:"ws://localhost:8080/ws"`
	Token                string        `envconfig:"BROKER_TOKEN"`
	AutoReconnect        bool          `envconfig:"BROKER_AUTO_RECONNECT" default:"true"`
	ReconnectDelay       time.Duration `envconfig:"BROKER_RECONNECT_DELAY" default:"5s"`
	MaxReconnectAttempts int           `envconfig:"BROKER_MAX_RECONNECT_ATTEMPTS" default:"0"` // 0 = unlimited
	Heartbeat            time.Duration `envconfig:"BROKER_HEARTBEAT" default:"4s"`
	ConnectTimeout       time.Duration `envconfig:"BROKER_CONNECT_TIMEOUT" default:"10s"`
	Debug                bool          `envconfig:"BROKER_DEBUG" default:"false"`
}

type HTTPConfig struct {
	Addr           string   `envconfig:"HTTP_ADDR" default:":8081"`
	AllowedOrigins []string `envconfig:"HTTP_ALLOWED_ORIGINS" default:"http://localhost:5173"`

	// JWTSecret protects the command route. Empty leaves it open.
	JWTSecret string `envconfig:"HTTP_JWT_SECRET"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"` // json | console
}

// WatchConfig lists the scopes the orderwatch process mounts, e.g. "admin,branch:1".
type WatchConfig struct {
	Scopes      []string `envconfig:"WATCH_SCOPES" default:"admin"`
	LogCapacity int      `envconfig:"WATCH_LOG_CAPACITY" default:"100"`
}

// Endpoint returns the broker URL with the token appended as a query parameter.
func (c BrokerConfig) Endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid broker url scheme %q", u.Scheme)
	}
	if c.Token != "" {
		q := u.Query()
		q.Set("token", c.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration Load produces with an empty environment.
func Default() Config {
	return Config{
		Broker: DefaultBroker(),
		HTTP: HTTPConfig{
			Addr:           ":8081",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Watch: WatchConfig{
			Scopes:      []string{"admin"},
			LogCapacity: 100,
		},
	}
}

func DefaultBroker() BrokerConfig {
	return BrokerConfig{
		URL:            "ws://localhost:8080/ws",
		AutoReconnect:  true,
		ReconnectDelay: 5 * time.Second,
		Heartbeat:      4 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// NewTestBroker returns a broker config pointed at url with short timings.
func NewTestBroker(url string) BrokerConfig {
	return BrokerConfig{
		URL:            url,
		AutoReconnect:  true,
		ReconnectDelay: 50 * time.Millisecond,
		Heartbeat:      0,
		ConnectTimeout: 2 * time.Second,
		Debug:          true,
	}
}
