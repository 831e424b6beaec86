package domain

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultEnvironment = "default"
	DefaultNamespace   = "default"
	DefaultURL         = "http://localhost:8080"

	// DefaultUpdateInterval applies when ClientConfig.UpdateInterval is nil.
	DefaultUpdateInterval = 120 * time.Second

	// MaxUpdateIntervalSeconds is the largest interval a time.Duration holds.
	MaxUpdateIntervalSeconds = math.MaxInt64 / int64(time.Second)
)

// FetchMode selects how the handle learns about upstream changes.
type FetchMode string

const (
	FetchModePolling   FetchMode = "polling"
	FetchModeStreaming FetchMode = "streaming"
)

// AuthKind tags the Authentication union.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthClientToken
	AuthJWT
)

func (k AuthKind) String() string {
	switch k {
	case AuthClientToken:
		return "client_token"
	case AuthJWT:
		return "jwt"
	default:
		return "none"
	}
}

// Authentication is exactly one of none, a client token, or a JWT.
type Authentication struct {
	kind  AuthKind
	token string
}

func NoAuthentication() Authentication {
	return Authentication{kind: AuthNone}
}

func ClientTokenAuthentication(token string) Authentication {
	return Authentication{kind: AuthClientToken, token: token}
}

func JWTAuthentication(token string) Authentication {
	return Authentication{kind: AuthJWT, token: token}
}

// ResolveAuthentication picks the first present credential, checking the
// client token before the JWT. Empty strings count as absent.
func ResolveAuthentication(clientToken, jwt string) Authentication {
	if clientToken != "" {
		return ClientTokenAuthentication(clientToken)
	}
	if jwt != "" {
		return JWTAuthentication(jwt)
	}
	return NoAuthentication()
}

func (a Authentication) Kind() AuthKind { return a.kind }
func (a Authentication) Token() string  { return a.token }

// Header renders the Authorization header value, if any.
func (a Authentication) Header() (string, bool) {
	switch a.kind {
	case AuthClientToken:
		return "Bearer " + a.token, true
	case AuthJWT:
		return "JWT " + a.token, true
	default:
		return "", false
	}
}

func (a Authentication) String() string {
	if a.kind == AuthNone {
		return "none"
	}
	return a.kind.String() + ":" + maskToken(a.token)
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return token[:2] + strings.Repeat("*", len(token)-4) + token[len(token)-2:]
}

// ClientConfig is the immutable configuration a store hands to its handle
// factory.
type ClientConfig struct {
	Environment string
	Namespace   string
	URL         string

	// UpdateInterval is the poll period in seconds. Nil selects
	// DefaultUpdateInterval; zero disables polling.
	UpdateInterval *int

	Authentication Authentication
	Reference      string
	FetchMode      FetchMode
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Environment:    DefaultEnvironment,
		Namespace:      DefaultNamespace,
		URL:            DefaultURL,
		Authentication: NoAuthentication(),
		FetchMode:      FetchModePolling,
	}
}

// WithDefaults returns a copy with empty fields filled in.
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.FetchMode == "" {
		c.FetchMode = FetchModePolling
	}
	if c.UpdateInterval != nil {
		v := *c.UpdateInterval
		c.UpdateInterval = &v
	}
	return c
}

func (c ClientConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return NewValidationErrorWithCause("url", "cannot be parsed", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return NewValidationError("url", fmt.Sprintf("%q needs a scheme and host", c.URL))
	}
	if c.Environment == "" {
		return NewValidationError("environment", "cannot be empty")
	}
	if c.Namespace == "" {
		return NewValidationError("namespace", "cannot be empty")
	}
	if c.UpdateInterval != nil && *c.UpdateInterval < 0 {
		return NewValidationError("update_interval", "cannot be negative")
	}
	if c.UpdateInterval != nil && int64(*c.UpdateInterval) > MaxUpdateIntervalSeconds {
		return NewValidationError("update_interval", fmt.Sprintf("cannot exceed %d seconds", MaxUpdateIntervalSeconds))
	}
	switch c.FetchMode {
	case FetchModePolling, FetchModeStreaming:
	default:
		return NewValidationError("fetch_mode", fmt.Sprintf("unknown mode %q", c.FetchMode))
	}
	return nil
}

// PollInterval converts UpdateInterval to a duration. A result <= 0 means
// polling is disabled.
func (c ClientConfig) PollInterval() time.Duration {
	if c.UpdateInterval == nil {
		return DefaultUpdateInterval
	}
	return time.Duration(*c.UpdateInterval) * time.Second
}
