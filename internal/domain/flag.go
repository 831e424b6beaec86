package domain

import (
	"maps"
	"time"
)

// FlagType mirrors the upstream flag type enumeration.
type FlagType string

const (
	FlagTypeVariant FlagType = "VARIANT_FLAG_TYPE"
	FlagTypeBoolean FlagType = "BOOLEAN_FLAG_TYPE"
)

// Flag describes a flag present in the current snapshot.
type Flag struct {
	Key         string   `json:"key"`
	Enabled     bool     `json:"enabled"`
	Type        FlagType `json:"type"`
	Description string   `json:"description,omitempty"`
}

// EvaluationRequest identifies one flag evaluation for one entity.
type EvaluationRequest struct {
	FlagKey  string            `json:"flag_key"`
	EntityID string            `json:"entity_id"`
	Context  map[string]string `json:"context"`
}

// NewEvaluationRequest copies attrs so later caller mutations don't leak in.
func NewEvaluationRequest(flagKey, entityID string, attrs map[string]string) EvaluationRequest {
	req := EvaluationRequest{FlagKey: flagKey, EntityID: entityID, Context: map[string]string{}}
	if attrs != nil {
		req.Context = maps.Clone(attrs)
	}
	return req
}

func (r EvaluationRequest) Validate() error {
	if r.FlagKey == "" {
		return NewValidationError("flag_key", "Flag key cannot be empty")
	}
	if r.EntityID == "" {
		return NewValidationError("entity_id", "Entity ID cannot be empty")
	}
	return nil
}

// EvaluationReason is the upstream explanation for a result.
type EvaluationReason string

const (
	ReasonUnknown      EvaluationReason = "UNKNOWN_EVALUATION_REASON"
	ReasonFlagDisabled EvaluationReason = "FLAG_DISABLED_EVALUATION_REASON"
	ReasonMatch        EvaluationReason = "MATCH_EVALUATION_REASON"
	ReasonDefault      EvaluationReason = "DEFAULT_EVALUATION_REASON"
)

type ResponseType string

const (
	ResponseTypeBoolean ResponseType = "BOOLEAN_EVALUATION_RESPONSE_TYPE"
	ResponseTypeVariant ResponseType = "VARIANT_EVALUATION_RESPONSE_TYPE"
	ResponseTypeError   ResponseType = "ERROR_EVALUATION_RESPONSE_TYPE"
)

type BooleanEvaluationResponse struct {
	Enabled               bool             `json:"enabled"`
	FlagKey               string           `json:"flag_key"`
	Reason                EvaluationReason `json:"reason"`
	RequestDurationMillis float64          `json:"request_duration_millis"`
	Timestamp             time.Time        `json:"timestamp"`
}

type VariantEvaluationResponse struct {
	Match                 bool             `json:"match"`
	SegmentKeys           []string         `json:"segment_keys"`
	Reason                EvaluationReason `json:"reason"`
	FlagKey               string           `json:"flag_key"`
	VariantKey            string           `json:"variant_key"`
	VariantAttachment     string           `json:"variant_attachment,omitempty"`
	RequestDurationMillis float64          `json:"request_duration_millis"`
	Timestamp             time.Time        `json:"timestamp"`
}

type ErrorEvaluationResponse struct {
	FlagKey      string `json:"flag_key"`
	NamespaceKey string `json:"namespace_key"`
	Reason       string `json:"reason"`
}

// EvaluationResponse is one batch entry. Exactly one payload is set,
// matching Type.
type EvaluationResponse struct {
	Type    ResponseType               `json:"type"`
	Boolean *BooleanEvaluationResponse `json:"boolean,omitempty"`
	Variant *VariantEvaluationResponse `json:"variant,omitempty"`
	Error   *ErrorEvaluationResponse   `json:"error,omitempty"`
}

// Err converts an error entry into an EvaluationError.
func (r EvaluationResponse) Err() error {
	if r.Type != ResponseTypeError || r.Error == nil {
		return nil
	}
	return NewEvaluationError(r.Error.FlagKey, r.Error.Reason, nil)
}

// BatchEvaluationResponse holds one entry per request, in request order.
type BatchEvaluationResponse struct {
	Responses             []EvaluationResponse `json:"responses"`
	RequestDurationMillis float64              `json:"request_duration_millis"`
}
