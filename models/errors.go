package models

import (
	"errors"
	"fmt"
)

// ValidationError flags user-correctable input: duplicate names, illegal
// state transitions, cap or pool violations, malformed pathway trees. It is
// surfaced to the caller unmodified and never retried automatically.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError flags a reference to an entity id that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError for the given entity and identifier.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// AuthorizationError flags a failed ownership check with no admin override.
type AuthorizationError struct {
	Msg string
}

func (e *AuthorizationError) Error() string { return e.Msg }

// Unauthorizedf builds an AuthorizationError from a format string.
func Unauthorizedf(format string, args ...any) error {
	return &AuthorizationError{Msg: fmt.Sprintf(format, args...)}
}

// DataInconsistencyError flags an upstream integrity bug rather than bad user
// input: more than one default program, duplicate usages for a referee and
// program pair, a verification-enabled opportunity with no method configured.
// Callers log these at high severity and never silently coerce them.
type DataInconsistencyError struct {
	Msg string
}

func (e *DataInconsistencyError) Error() string { return e.Msg }

// Inconsistentf builds a DataInconsistencyError from a format string.
func Inconsistentf(format string, args ...any) error {
	return &DataInconsistencyError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsAuthorization reports whether err is (or wraps) an AuthorizationError.
func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

// IsInconsistency reports whether err is (or wraps) a DataInconsistencyError.
func IsInconsistency(err error) bool {
	var target *DataInconsistencyError
	return errors.As(err, &target)
}
