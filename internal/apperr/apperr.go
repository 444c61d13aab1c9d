// Package apperr centralizes the error taxonomy used across the core:
// internal/comments and the HTTP handlers return or wrap errors as *Error,
// and internal/api maps Kind to an HTTP status in one place instead of
// repeating the mapping at each handler. Errors that are not an *Error map
// to 500.
package apperr

import "fmt"

type Kind string

const (
	InvalidInput       Kind = "invalid_input"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	Preconditions      Kind = "preconditions"
	ExternalDependency Kind = "external_dependency"
	RateLimited        Kind = "rate_limited"
	Internal           Kind = "internal"
)

// Error carries a Kind for transport-layer mapping, a short machine-readable
// Tag (e.g. "worktree_path_exists") and the wrapped cause.
type Error struct {
	Kind Kind
	Tag  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Tag, e.Err)
	}
	return e.Tag
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, tag string, err error) *Error {
	return &Error{Kind: kind, Tag: tag, Err: err}
}

func Invalid(tag string, err error) *Error       { return New(InvalidInput, tag, err) }
func NotFoundErr(tag string, err error) *Error    { return New(NotFound, tag, err) }
func ConflictErr(tag string, err error) *Error    { return New(Conflict, tag, err) }
func Precondition(tag string, err error) *Error   { return New(Preconditions, tag, err) }
func External(tag string, err error) *Error       { return New(ExternalDependency, tag, err) }
func RateLimitedErr(tag string, err error) *Error { return New(RateLimited, tag, err) }
func Internally(tag string, err error) *Error     { return New(Internal, tag, err) }

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}
