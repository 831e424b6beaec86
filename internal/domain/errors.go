package domain

import (
	"errors"
	"fmt"
)

// ErrHandleClosed is returned by any handle operation issued after Close.
var ErrHandleClosed = errors.New("evaluation handle closed")

// -----------------------------
// ConstructionError
// -----------------------------

// ConstructionError means the handle factory failed. It is terminal for the
// store that observed it.
type ConstructionError struct {
	Err error
}

func NewConstructionError(err error) *ConstructionError {
	return &ConstructionError{Err: err}
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct evaluation handle: %v", e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

func IsConstructionError(err error) bool {
	var target *ConstructionError
	return errors.As(err, &target)
}

// -----------------------------
// RefreshError
// -----------------------------

type RefreshError struct {
	PreviousHash string
	Err          error
}

func NewRefreshError(previousHash string, err error) *RefreshError {
	return &RefreshError{PreviousHash: previousHash, Err: err}
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh snapshot: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

func IsRefreshError(err error) bool {
	var target *RefreshError
	return errors.As(err, &target)
}

// -----------------------------
// HashReadError
// -----------------------------

// HashReadError is reported when a refresh detected a change but the new
// snapshot hash could not be read.
type HashReadError struct {
	Err error
}

func NewHashReadError(err error) *HashReadError {
	return &HashReadError{Err: err}
}

func (e *HashReadError) Error() string {
	return fmt.Sprintf("read snapshot hash: %v", e.Err)
}

func (e *HashReadError) Unwrap() error {
	return e.Err
}

func IsHashReadError(err error) bool {
	var target *HashReadError
	return errors.As(err, &target)
}

// -----------------------------
// EvaluationError
// -----------------------------

type EvaluationError struct {
	FlagKey string
	Reason  string
	Err     error
}

func NewEvaluationError(flagKey, reason string, err error) *EvaluationError {
	return &EvaluationError{
		FlagKey: flagKey,
		Reason:  reason,
		Err:     err,
	}
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error on flag %s: %s: %v", e.FlagKey, e.Reason, e.Err)
	}
	return fmt.Sprintf("evaluation error on flag %s: %s", e.FlagKey, e.Reason)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

func IsEvaluationError(err error) bool {
	var target *EvaluationError
	return errors.As(err, &target)
}

// -----------------------------
// ValidationError
// -----------------------------

type ValidationError struct {
	Field   string
	Message string
	Cause   error
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

func NewValidationErrorWithCause(field, message string, cause error) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
