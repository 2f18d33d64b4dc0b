package tandem

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/casualjim/tandem/internal/retry"
	"github.com/casualjim/tandem/transport"
	"github.com/fogfish/opts"
)

const (
	EnvURL         = "TANDEM_URL"
	EnvUsername    = "TANDEM_USERNAME"
	EnvPassword    = "TANDEM_PASSWORD"
	EnvClientID    = "TANDEM_CLIENT_ID"
	EnvMaxAttempts = "TANDEM_MAX_RECONNECT_ATTEMPTS"

	DefaultConnectTimeout = 10 * time.Second
)

// Config is the client configuration. Build it with the With* options.
type Config struct {
	URL      string
	Username string
	Password string
	ClientID string

	// ImmediateSubscribe makes members subscribe their topic as soon as they
	// join instead of waiting for Subscribe or OnMessage.
	ImmediateSubscribe bool

	ConnectTimeout       time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	Logger *slog.Logger
}

func defaultConfig() Config {
	return Config{
		ImmediateSubscribe: true,
		ConnectTimeout:     DefaultConnectTimeout,
		ReconnectBase:      retry.DefaultBase,
		ReconnectMax:       retry.DefaultMax,
	}
}

func (c Config) dialOptions() transport.Options {
	return transport.Options{
		URL:            c.URL,
		ClientID:       c.ClientID,
		Username:       c.Username,
		Password:       c.Password,
		ConnectTimeout: c.connectTimeout(),
	}
}

// connectTimeout treats a zero or negative timeout as unset.
func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

func (c Config) retryPolicy() retry.Policy {
	return retry.Policy{
		Base:        c.ReconnectBase,
		Max:         c.ReconnectMax,
		MaxAttempts: c.MaxReconnectAttempts,
	}
}

var (
	// WithURL sets the broker endpoint.
	WithURL = opts.ForName[Config, string]("URL")
	// WithClientID sets the client id presented to the broker.
	WithClientID = opts.ForName[Config, string]("ClientID")
	// WithImmediateSubscribe controls whether members subscribe on join.
	WithImmediateSubscribe = opts.ForName[Config, bool]("ImmediateSubscribe")
	// WithConnectTimeout bounds a single dial.
	WithConnectTimeout = opts.ForName[Config, time.Duration]("ConnectTimeout")
	// WithMaxReconnectAttempts caps consecutive failed reconnects. Zero retries forever.
	WithMaxReconnectAttempts = opts.ForName[Config, int]("MaxReconnectAttempts")
	// WithLogger sets the logger for the client and its groups.
	WithLogger = opts.ForName[Config, *slog.Logger]("Logger")
)

// WithCredentials sets the username and password.
func WithCredentials(username, password string) opts.Option[Config] {
	return opts.Type[Config](func(c *Config) error {
		c.Username = username
		c.Password = password
		return nil
	})
}

// WithReconnectBackoff sets the base and the ceiling of the reconnect delay.
// The n-th retry waits min(base * 2^n, ceiling).
func WithReconnectBackoff(base, ceiling time.Duration) opts.Option[Config] {
	return opts.Type[Config](func(c *Config) error {
		c.ReconnectBase = base
		c.ReconnectMax = ceiling
		return nil
	})
}

// ConfigFromEnv reads the TANDEM_* environment variables. Unset variables
// leave the configuration untouched.
func ConfigFromEnv() opts.Option[Config] {
	return opts.Type[Config](func(c *Config) error {
		if v, ok := os.LookupEnv(EnvURL); ok {
			c.URL = v
		}
		if v, ok := os.LookupEnv(EnvUsername); ok {
			c.Username = v
		}
		if v, ok := os.LookupEnv(EnvPassword); ok {
			c.Password = v
		}
		if v, ok := os.LookupEnv(EnvClientID); ok {
			c.ClientID = v
		}
		if v, ok := os.LookupEnv(EnvMaxAttempts); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.MaxReconnectAttempts = n
		}
		return nil
	})
}
