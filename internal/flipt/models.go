package flipt

import (
	"time"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
)

// Wire types for the Flipt REST API. Field names follow the upstream
// camelCase JSON encoding.

type snapshotDocument struct {
	Namespace struct {
		Key string `json:"key"`
	} `json:"namespace"`
	Flags  []snapshotFlag `json:"flags"`
	Digest string         `json:"digest,omitempty"`
}

type snapshotFlag struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Type        string `json:"type"`
}

type evaluationRequest struct {
	RequestID      string            `json:"requestId,omitempty"`
	EnvironmentKey string            `json:"environmentKey,omitempty"`
	NamespaceKey   string            `json:"namespaceKey"`
	FlagKey        string            `json:"flagKey"`
	EntityID       string            `json:"entityId"`
	Context        map[string]string `json:"context"`
	Reference      string            `json:"reference,omitempty"`
}

type batchEvaluationRequest struct {
	RequestID string              `json:"requestId,omitempty"`
	Requests  []evaluationRequest `json:"requests"`
	Reference string              `json:"reference,omitempty"`
}

type booleanResponse struct {
	Enabled               bool    `json:"enabled"`
	FlagKey               string  `json:"flagKey"`
	Reason                string  `json:"reason"`
	RequestDurationMillis float64 `json:"requestDurationMillis"`
	Timestamp             string  `json:"timestamp"`
}

type variantResponse struct {
	Match                 bool     `json:"match"`
	SegmentKeys           []string `json:"segmentKeys"`
	Reason                string   `json:"reason"`
	FlagKey               string   `json:"flagKey"`
	VariantKey            string   `json:"variantKey"`
	VariantAttachment     string   `json:"variantAttachment"`
	RequestDurationMillis float64  `json:"requestDurationMillis"`
	Timestamp             string   `json:"timestamp"`
}

type errorResponse struct {
	FlagKey      string `json:"flagKey"`
	NamespaceKey string `json:"namespaceKey"`
	Reason       string `json:"reason"`
}

type evaluationResponse struct {
	Type            string           `json:"type"`
	BooleanResponse *booleanResponse `json:"booleanResponse,omitempty"`
	VariantResponse *variantResponse `json:"variantResponse,omitempty"`
	ErrorResponse   *errorResponse   `json:"errorResponse,omitempty"`
}

type batchEvaluationResponse struct {
	Responses             []evaluationResponse `json:"responses"`
	RequestDurationMillis float64              `json:"requestDurationMillis"`
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func reasonOf(raw string) domain.EvaluationReason {
	if raw == "" {
		return domain.ReasonUnknown
	}
	return domain.EvaluationReason(raw)
}

func (r *booleanResponse) toDomain() *domain.BooleanEvaluationResponse {
	return &domain.BooleanEvaluationResponse{
		Enabled:               r.Enabled,
		FlagKey:               r.FlagKey,
		Reason:                reasonOf(r.Reason),
		RequestDurationMillis: r.RequestDurationMillis,
		Timestamp:             parseTimestamp(r.Timestamp),
	}
}

func (r *variantResponse) toDomain() *domain.VariantEvaluationResponse {
	segments := r.SegmentKeys
	if segments == nil {
		segments = []string{}
	}
	return &domain.VariantEvaluationResponse{
		Match:                 r.Match,
		SegmentKeys:           segments,
		Reason:                reasonOf(r.Reason),
		FlagKey:               r.FlagKey,
		VariantKey:            r.VariantKey,
		VariantAttachment:     r.VariantAttachment,
		RequestDurationMillis: r.RequestDurationMillis,
		Timestamp:             parseTimestamp(r.Timestamp),
	}
}

// toDomain never returns an entry without a payload; a malformed upstream
// entry becomes an error entry for the requested flag.
func (r evaluationResponse) toDomain(req domain.EvaluationRequest, namespace string) domain.EvaluationResponse {
	switch {
	case r.Type == string(domain.ResponseTypeBoolean) && r.BooleanResponse != nil:
		return domain.EvaluationResponse{Type: domain.ResponseTypeBoolean, Boolean: r.BooleanResponse.toDomain()}
	case r.Type == string(domain.ResponseTypeVariant) && r.VariantResponse != nil:
		return domain.EvaluationResponse{Type: domain.ResponseTypeVariant, Variant: r.VariantResponse.toDomain()}
	case r.Type == string(domain.ResponseTypeError) && r.ErrorResponse != nil:
		return domain.EvaluationResponse{Type: domain.ResponseTypeError, Error: &domain.ErrorEvaluationResponse{
			FlagKey:      r.ErrorResponse.FlagKey,
			NamespaceKey: r.ErrorResponse.NamespaceKey,
			Reason:       r.ErrorResponse.Reason,
		}}
	default:
		return errorEntry(req.FlagKey, namespace, string(domain.ReasonUnknown))
	}
}

func errorEntry(flagKey, namespace, reason string) domain.EvaluationResponse {
	return domain.EvaluationResponse{
		Type: domain.ResponseTypeError,
		Error: &domain.ErrorEvaluationResponse{
			FlagKey:      flagKey,
			NamespaceKey: namespace,
			Reason:       reason,
		},
	}
}

func (f snapshotFlag) toDomain() domain.Flag {
	flagType := domain.FlagType(f.Type)
	if flagType == "" {
		flagType = domain.FlagTypeVariant
	}
	return domain.Flag{
		Key:         f.Key,
		Enabled:     f.Enabled,
		Type:        flagType,
		Description: f.Description,
	}
}
