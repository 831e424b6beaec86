package flagsync

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/flipt"
	"github.com/OrlandoBitencourt/flagsync/internal/telemetry"
)

// Option configures a Provider.
type Option func(*providerConfig) error

// providerConfig holds internal configuration.
type providerConfig struct {
	client      domain.ClientConfig
	clientToken string
	jwt         string

	factory domain.HandleFactory
	clock   clockz.Clock
	logger  *log.Entry
	tel     telemetry.Provider

	httpTimeout time.Duration
	maxRetries  *int

	adminEnabled  bool
	adminAddr     string
	webhook       bool
	webhookSecret string
}

func defaultProviderConfig() *providerConfig {
	return &providerConfig{
		client: domain.DefaultClientConfig(),
		clock:  clockz.RealClock,
		logger: log.NewEntry(log.StandardLogger()),
		tel:    telemetry.NewNoOp(),
	}
}

// clientConfig resolves credentials and validates the result.
func (c *providerConfig) clientConfig() (domain.ClientConfig, error) {
	cfg := c.client
	if c.clientToken != "" || c.jwt != "" {
		cfg.Authentication = domain.ResolveAuthentication(c.clientToken, c.jwt)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return domain.ClientConfig{}, configError(err)
	}
	return cfg, nil
}

// handleFactory returns the configured factory, or the REST handle.
func (c *providerConfig) handleFactory() domain.HandleFactory {
	if c.factory != nil {
		return c.factory
	}
	opts := flipt.DefaultOptions()
	opts.Clock = c.clock
	opts.Logger = c.logger
	opts.Telemetry = c.tel
	if c.httpTimeout > 0 {
		opts.Timeout = c.httpTimeout
	}
	if c.maxRetries != nil {
		opts.MaxRetries = *c.maxRetries
	}
	return flipt.NewFactory(opts)
}

// WithEnvironment sets the Flipt environment key.
// Default: "default"
func WithEnvironment(environment string) Option {
	return func(c *providerConfig) error {
		if environment == "" {
			return &ConfigError{Field: "environment", Message: "cannot be empty"}
		}
		c.client.Environment = environment
		return nil
	}
}

// WithNamespace sets the Flipt namespace key.
// Default: "default"
func WithNamespace(namespace string) Option {
	return func(c *providerConfig) error {
		if namespace == "" {
			return &ConfigError{Field: "namespace", Message: "cannot be empty"}
		}
		c.client.Namespace = namespace
		return nil
	}
}

// WithURL sets the base URL of the Flipt server.
//
// Example: flagsync.WithURL("http://localhost:8080")
func WithURL(url string) Option {
	return func(c *providerConfig) error {
		if url == "" {
			return &ConfigError{Field: "url", Message: "cannot be empty"}
		}
		c.client.URL = url
		return nil
	}
}

// WithUpdateInterval sets the poll period in seconds. Zero disables polling.
// Default: 120
func WithUpdateInterval(seconds int) Option {
	return func(c *providerConfig) error {
		if seconds < 0 {
			return &ConfigError{Field: "update_interval", Message: "cannot be negative"}
		}
		c.client.UpdateInterval = &seconds
		return nil
	}
}

// WithClientToken authenticates with a Flipt client token. It takes
// precedence over WithJWT.
func WithClientToken(token string) Option {
	return func(c *providerConfig) error {
		c.clientToken = token
		return nil
	}
}

// WithJWT authenticates with a JWT.
func WithJWT(token string) Option {
	return func(c *providerConfig) error {
		c.jwt = token
		return nil
	}
}

// WithReference pins evaluation to a snapshot reference.
func WithReference(reference string) Option {
	return func(c *providerConfig) error {
		c.client.Reference = reference
		return nil
	}
}

// WithFetchMode selects polling or streaming. Streaming is forwarded to the
// handle factory; the provider itself always polls.
func WithFetchMode(mode FetchMode) Option {
	return func(c *providerConfig) error {
		switch mode {
		case domain.FetchModePolling, domain.FetchModeStreaming:
		default:
			return &ConfigError{Field: "fetch_mode", Message: fmt.Sprintf("unknown mode %q", mode)}
		}
		c.client.FetchMode = mode
		return nil
	}
}

// WithConfig applies a full Config, typically from LoadConfig.
// This is an alternative to using individual options.
func WithConfig(cfg Config) Option {
	return func(c *providerConfig) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		cc, _ := cfg.ClientConfig()
		c.client = cc
		c.clientToken = cfg.ClientToken
		c.jwt = cfg.JWT

		c.httpTimeout = cfg.HTTP.Timeout
		c.maxRetries = cfg.HTTP.MaxRetries

		if cfg.Admin.Addr != "" {
			c.adminEnabled = true
			c.adminAddr = cfg.Admin.Addr
			c.webhook = cfg.Admin.Webhook
			c.webhookSecret = cfg.Admin.WebhookSecret
		}
		return nil
	}
}

// WithHandleFactory replaces the Flipt REST handle, e.g. with a native
// client or a test double.
func WithHandleFactory(factory HandleFactory) Option {
	return func(c *providerConfig) error {
		if factory == nil {
			return &ConfigError{Field: "handle_factory", Message: "cannot be nil"}
		}
		c.factory = factory
		return nil
	}
}

// WithClock sets the clock that drives polling.
func WithClock(clock clockz.Clock) Option {
	return func(c *providerConfig) error {
		if clock == nil {
			return &ConfigError{Field: "clock", Message: "cannot be nil"}
		}
		c.clock = clock
		return nil
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(c *providerConfig) error {
		if logger == nil {
			return &ConfigError{Field: "logger", Message: "cannot be nil"}
		}
		c.logger = logger
		return nil
	}
}

// WithTelemetry records spans and metrics through provider. The caller
// owns its shutdown.
func WithTelemetry(provider telemetry.Provider) Option {
	return func(c *providerConfig) error {
		if provider == nil {
			return &ConfigError{Field: "telemetry", Message: "cannot be nil"}
		}
		c.tel = provider
		return nil
	}
}

// WithHTTPTimeout sets the per-request timeout of the REST handle.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *providerConfig) error {
		if timeout <= 0 {
			return &ConfigError{Field: "http.timeout", Message: "must be positive"}
		}
		c.httpTimeout = timeout
		return nil
	}
}

// WithMaxRetries sets how often the REST handle retries transient failures.
func WithMaxRetries(maxRetries int) Option {
	return func(c *providerConfig) error {
		if maxRetries < 0 {
			return &ConfigError{Field: "http.max_retries", Message: "cannot be negative"}
		}
		c.maxRetries = &maxRetries
		return nil
	}
}

// WithAdminServer starts the admin HTTP server on Mount.
//
// Endpoints:
//   - GET /health
//   - GET /admin/stats
//   - GET /admin/flags
//   - POST /admin/refresh
//   - POST /admin/evaluate/boolean
//   - POST /admin/evaluate/variant
//
// Example:
//
//	p, err := flagsync.New(
//	    flagsync.WithURL("http://localhost:8080"),
//	    flagsync.WithAdminServer(flagsync.AdminConfig{Addr: ":19000"}),
//	)
func WithAdminServer(config AdminConfig) Option {
	return func(c *providerConfig) error {
		if config.Addr == "" {
			return &ConfigError{Field: "admin.addr", Message: "cannot be empty"}
		}
		c.adminEnabled = true
		c.adminAddr = config.Addr
		c.webhook = config.Webhook
		c.webhookSecret = config.WebhookSecret
		return nil
	}
}
