package flagsync

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
)

// EnvPrefix prefixes every environment variable LoadConfig reads.
const EnvPrefix = "FLIPT_"

// Config is the file and environment form of a provider configuration.
//
//	environment: production
//	namespace: checkout
//	url: https://flipt.internal:8443
//	update_interval: 30
//	client_token: s3cr3t
//	http:
//	  timeout: 5s
//	admin:
//	  addr: 127.0.0.1:19000
type Config struct {
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	Namespace   string `yaml:"namespace" env:"NAMESPACE"`
	URL         string `yaml:"url" env:"URL"`

	// UpdateInterval is in seconds. Unset means the 120s default, 0 disables polling.
	UpdateInterval *int `yaml:"update_interval" env:"UPDATE_INTERVAL"`

	// ClientToken wins when both credentials are set.
	ClientToken string `yaml:"client_token" env:"CLIENT_TOKEN"`
	JWT         string `yaml:"jwt" env:"JWT"`

	Reference string `yaml:"reference" env:"REFERENCE"`
	FetchMode string `yaml:"fetch_mode" env:"FETCH_MODE"`

	HTTP  HTTPConfig  `yaml:"http" envPrefix:"HTTP_"`
	Admin AdminConfig `yaml:"admin" envPrefix:"ADMIN_"`
}

// HTTPConfig tunes the REST handle.
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries *int          `yaml:"max_retries" env:"MAX_RETRIES"`
}

// AdminConfig configures the optional admin server.
type AdminConfig struct {
	// Addr enables the admin server when set, e.g. ":19000".
	Addr string `yaml:"addr" env:"ADDR"`

	// Webhook mounts POST /webhook, signed with WebhookSecret when it is set.
	Webhook       bool   `yaml:"webhook" env:"WEBHOOK"`
	WebhookSecret string `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
}

// DefaultConfig returns recommended default configuration.
func DefaultConfig() Config {
	return Config{
		Environment: domain.DefaultEnvironment,
		Namespace:   domain.DefaultNamespace,
		URL:         domain.DefaultURL,
		FetchMode:   string(domain.FetchModePolling),
	}
}

// LoadConfig builds a Config from defaults, then the YAML file at path (if
// any), then FLIPT_* environment variables. envFiles are loaded into the
// environment first; variables already set are not overridden.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &ConfigError{Field: "file", Message: "cannot read " + path, Err: err}
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, &ConfigError{Field: "file", Message: "cannot parse " + path, Err: err}
		}
	}

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, &ConfigError{Field: "env_file", Message: "cannot load", Err: err}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, &ConfigError{Field: "env", Message: "cannot parse " + EnvPrefix + "* variables", Err: err}
	}

	return cfg, nil
}

// ClientConfig converts c into a validated ClientConfig.
func (c Config) ClientConfig() (ClientConfig, error) {
	cc := domain.ClientConfig{
		Environment:    c.Environment,
		Namespace:      c.Namespace,
		URL:            c.URL,
		UpdateInterval: c.UpdateInterval,
		Authentication: domain.ResolveAuthentication(c.ClientToken, c.JWT),
		Reference:      c.Reference,
		FetchMode:      domain.FetchMode(c.FetchMode),
	}.WithDefaults()

	if err := cc.Validate(); err != nil {
		return domain.ClientConfig{}, configError(err)
	}
	return cc, nil
}

// Validate checks the whole configuration, including the admin section.
func (c Config) Validate() error {
	if _, err := c.ClientConfig(); err != nil {
		return err
	}
	if c.HTTP.Timeout < 0 {
		return &ConfigError{Field: "http.timeout", Message: "cannot be negative"}
	}
	if c.HTTP.MaxRetries != nil && *c.HTTP.MaxRetries < 0 {
		return &ConfigError{Field: "http.max_retries", Message: "cannot be negative"}
	}
	if c.Admin.Webhook && c.Admin.Addr == "" {
		return &ConfigError{Field: "admin.webhook", Message: "requires admin.addr"}
	}
	return nil
}

// String renders the configuration with credentials masked.
func (c Config) String() string {
	interval := "default"
	if c.UpdateInterval != nil {
		interval = fmt.Sprintf("%ds", *c.UpdateInterval)
	}
	return fmt.Sprintf("url=%s environment=%s namespace=%s interval=%s auth=%s fetch_mode=%s",
		c.URL, c.Environment, c.Namespace, interval,
		domain.ResolveAuthentication(c.ClientToken, c.JWT), c.FetchMode)
}
