package flagsync

import (
	"errors"
	"fmt"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/store"
)

// Error types that may be returned by flagsync operations.
type (
	ConstructionError = domain.ConstructionError
	RefreshError      = domain.RefreshError
	HashReadError     = domain.HashReadError
	EvaluationError   = domain.EvaluationError
	ValidationError   = domain.ValidationError
)

var (
	ErrHandleClosed    = domain.ErrHandleClosed
	ErrNotAttached     = store.ErrNotAttached
	ErrNotReady        = store.ErrNotReady
	ErrRefreshInFlight = store.ErrRefreshInFlight

	ErrAlreadyMounted = errors.New("provider already mounted")
	ErrUnmounted      = errors.New("provider already unmounted")
)

var (
	IsConstructionError = domain.IsConstructionError
	IsRefreshError      = domain.IsRefreshError
	IsHashReadError     = domain.IsHashReadError
	IsEvaluationError   = domain.IsEvaluationError
	IsValidationError   = domain.IsValidationError
)

// ConfigError indicates invalid configuration.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error [%s]: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// configError lifts a domain validation failure into a ConfigError.
func configError(err error) error {
	if err == nil {
		return nil
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return &ConfigError{Field: verr.Field, Message: verr.Message, Err: verr.Cause}
	}
	return &ConfigError{Field: "config", Message: "invalid", Err: err}
}
