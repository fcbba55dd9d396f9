// Package pdperr defines the kind-tagged error taxonomy shared by every
// layer of the policy decision point, and the mapping from a Kind to the
// platform-standard status code a transport adapter should use.
package pdperr

import (
	"errors"
	"fmt"
)

// Kind is a closed set of abstract failure categories. New Kinds are never
// added casually — every caller that inspects a Kind switches on the full
// set.
type Kind string

const (
	NotFound         Kind = "NOT_FOUND"
	AlreadyExists    Kind = "ALREADY_EXISTS"
	InvalidArgument  Kind = "INVALID_ARGUMENT"
	InvalidPolicy    Kind = "INVALID_POLICY"
	InvalidSchema    Kind = "INVALID_SCHEMA"
	InvalidTemplate  Kind = "INVALID_TEMPLATE"
	ValidationFailed Kind = "VALIDATION_FAILED"
	InvalidToken     Kind = "INVALID_TOKEN"
	MissingClaim     Kind = "MISSING_CLAIM"
	KeyUnavailable   Kind = "KEY_UNAVAILABLE"
	UnknownKey       Kind = "UNKNOWN_KEY"
	Repository       Kind = "REPOSITORY"
	Internal         Kind = "INTERNAL"
	Unimplemented    Kind = "UNIMPLEMENTED"
)

// Error wraps an underlying cause (if any) with a Kind and a human-readable
// message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports the errors.Is(err, &Error{Kind: NotFound}) pattern by
// comparing Kind against an *Error target; any other target never
// matches. Callers more commonly use KindOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFoundf(format string, args ...any) *Error        { return newf(NotFound, format, args...) }
func AlreadyExistsf(format string, args ...any) *Error   { return newf(AlreadyExists, format, args...) }
func InvalidArgumentf(format string, args ...any) *Error { return newf(InvalidArgument, format, args...) }
func InvalidPolicyf(format string, args ...any) *Error   { return newf(InvalidPolicy, format, args...) }
func InvalidSchemaf(format string, args ...any) *Error   { return newf(InvalidSchema, format, args...) }
func InvalidTemplatef(format string, args ...any) *Error { return newf(InvalidTemplate, format, args...) }
func ValidationFailedf(format string, args ...any) *Error {
	return newf(ValidationFailed, format, args...)
}
func InvalidTokenf(format string, args ...any) *Error   { return newf(InvalidToken, format, args...) }
func MissingClaimf(format string, args ...any) *Error   { return newf(MissingClaim, format, args...) }
func KeyUnavailablef(format string, args ...any) *Error { return newf(KeyUnavailable, format, args...) }
func UnknownKeyf(format string, args ...any) *Error     { return newf(UnknownKey, format, args...) }
func Internalf(format string, args ...any) *Error       { return newf(Internal, format, args...) }
func Unimplementedf(format string, args ...any) *Error  { return newf(Unimplemented, format, args...) }

func RepositoryErr(err error, format string, args ...any) *Error {
	return wrap(Repository, err, format, args...)
}

func KeyUnavailableErr(err error, format string, args ...any) *Error {
	return wrap(KeyUnavailable, err, format, args...)
}

func InvalidTokenErr(err error, format string, args ...any) *Error {
	return wrap(InvalidToken, err, format, args...)
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, otherwise
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Status is the closed set of platform-standard status codes a transport
// adapter maps a Kind to.
type Status string

const (
	StatusNotFound         Status = "NOT_FOUND"
	StatusInvalidArgument  Status = "INVALID_ARGUMENT"
	StatusUnauthenticated  Status = "UNAUTHENTICATED"
	StatusAlreadyExists    Status = "ALREADY_EXISTS"
	StatusUnimplemented    Status = "UNIMPLEMENTED"
	StatusInternal         Status = "INTERNAL"
)

// StatusOf maps a Kind to the status code an RPC transport should surface.
func StatusOf(kind Kind) Status {
	switch kind {
	case NotFound:
		return StatusNotFound
	case AlreadyExists:
		return StatusAlreadyExists
	case InvalidArgument, InvalidPolicy, InvalidSchema, InvalidTemplate, ValidationFailed:
		return StatusInvalidArgument
	case InvalidToken, MissingClaim, KeyUnavailable, UnknownKey:
		return StatusUnauthenticated
	case Unimplemented:
		return StatusUnimplemented
	case Repository, Internal:
		return StatusInternal
	default:
		return StatusInternal
	}
}
