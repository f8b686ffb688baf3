// Package apperr defines the error taxonomy shared by the resolution, sync and webhook layers.
// Handlers translate these into HTTP responses through resputil.FromError.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NotFoundError reports a missing workspace, project, mapping or link.
type NotFoundError struct {
	Resource string
	ID       string
	Detail   string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %q not found", e.Resource, e.ID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// AuthenticationError reports a caller whose identity could not be verified.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return "authentication failed: " + e.Message }

// AuthorizationError reports a verified caller without the required role.
type AuthorizationError struct {
	Required string
	Actual   string
	Message  string
}

func (e *AuthorizationError) Error() string {
	if e.Message != "" {
		return "forbidden: " + e.Message
	}
	return fmt.Sprintf("forbidden: requires %s, have %s", e.Required, e.Actual)
}

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsAuthentication(err) || IsAuthorization(err)
}
