package flagsync

import (
	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/selector"
	"github.com/OrlandoBitencourt/flagsync/internal/store"
)

// ClientState is what UseClient returns: the handle (nil until ready),
// whether construction is still running, and the construction error.
type ClientState = store.State

// Stats is a point-in-time summary of a mounted provider.
type Stats = store.Stats

// Handle is the evaluation session owned by a provider.
type Handle = domain.Handle

// HandleFactory builds the handle when a provider mounts.
type HandleFactory = domain.HandleFactory

// ClientConfig is the immutable configuration handed to the factory.
type ClientConfig = domain.ClientConfig

type (
	FetchMode      = domain.FetchMode
	Authentication = domain.Authentication
)

const (
	FetchModePolling   = domain.FetchModePolling
	FetchModeStreaming = domain.FetchModeStreaming
)

type (
	Flag                      = domain.Flag
	EvaluationRequest         = domain.EvaluationRequest
	BooleanEvaluationResponse = domain.BooleanEvaluationResponse
	VariantEvaluationResponse = domain.VariantEvaluationResponse
	BatchEvaluationResponse   = domain.BatchEvaluationResponse
	EvaluationResponse        = domain.EvaluationResponse
)

// NewEvaluationRequest builds a request, copying attrs.
func NewEvaluationRequest(flagKey, entityID string, attrs map[string]string) EvaluationRequest {
	return domain.NewEvaluationRequest(flagKey, entityID, attrs)
}

// Selector is a memoized projection over a provider's state.
type Selector[T any] = selector.Selector[T]

// Projection derives a value from the client state.
type Projection[T any] = selector.Projection[T]

// Context holds the entity and attributes a flag is evaluated against.
type Context struct {
	EntityID   string
	Attributes map[string]string
}

// NewContext creates a new evaluation context with the given entity ID.
func NewContext(entityID string) Context {
	return Context{EntityID: entityID, Attributes: make(map[string]string)}
}

// WithAttribute adds an attribute to the context (fluent interface).
func (c Context) WithAttribute(key, value string) Context {
	attrs := make(map[string]string, len(c.Attributes)+1)
	for k, v := range c.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	c.Attributes = attrs
	return c
}

func (c Context) request(flagKey string) EvaluationRequest {
	return domain.NewEvaluationRequest(flagKey, c.EntityID, c.Attributes)
}
