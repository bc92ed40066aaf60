package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

/*
Kind classifies a ContextError. The kind decides how the error is reported to
HTTP callers and whether a client should retry.
*/
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindResourceExhausted Kind = "resource_exhausted"
	KindConnectionDropped Kind = "connection_dropped"
	KindUnavailable       Kind = "unavailable"
	KindInternal          Kind = "internal"
)

/*
ContextError is the error type returned by the store, the filter and the
distribution layer.
*/
type ContextError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ContextError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ContextError) Unwrap() error {
	return e.Err
}

/*
Is matches any ContextError of the same kind, so callers can write
errors.Is(err, errors.ErrNotFound) regardless of the message.
*/
func (e *ContextError) Is(target error) bool {
	t, ok := target.(*ContextError)

	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

var (
	ErrValidation        = &ContextError{Kind: KindValidation, Message: "invalid request"}
	ErrNotFound          = &ContextError{Kind: KindNotFound, Message: "context not found"}
	ErrResourceExhausted = &ContextError{Kind: KindResourceExhausted, Message: "memory ceiling reached"}
	ErrConnectionDropped = &ContextError{Kind: KindConnectionDropped, Message: "connection dropped"}
	ErrUnavailable       = &ContextError{Kind: KindUnavailable, Message: "service unavailable"}
	ErrInternal          = &ContextError{Kind: KindInternal, Message: "internal error"}
)

// WithMessagef creates a *copy* of a ContextError with a formatted message.
// It does not modify the original error variable.
func (e *ContextError) WithMessagef(format string, args ...any) *ContextError {
	newErr := *e
	newErr.Message = fmt.Sprintf(format, args...)
	return &newErr
}

// Wrap creates a copy of a ContextError carrying the underlying cause.
func (e *ContextError) Wrap(err error) *ContextError {
	newErr := *e
	newErr.Err = err
	return &newErr
}

/*
KindOf returns the kind of the first ContextError in err's chain, or
KindInternal when there is none.
*/
func KindOf(err error) Kind {
	var ce *ContextError

	if stderrors.As(err, &ce) {
		return ce.Kind
	}

	return KindInternal
}

/*
HTTPStatus maps an error onto the status code used by the pull surface.
*/
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindResourceExhausted:
		return http.StatusInsufficientStorage
	case KindConnectionDropped, KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

/*
Body is the JSON error envelope written by the pull surface.
*/
type Body struct {
	Error *ContextError `json:"error"`
}

/*
NewBody converts any error into the JSON envelope, preserving the kind and
message of a ContextError.
*/
func NewBody(err error) Body {
	var ce *ContextError

	if stderrors.As(err, &ce) {
		return Body{Error: &ContextError{Kind: ce.Kind, Message: ce.Message}}
	}

	return Body{Error: &ContextError{Kind: KindInternal, Message: err.Error()}}
}

/*
FromStatus rebuilds a ContextError on the client side from a status code and
an optional decoded body.
*/
func FromStatus(status int, body *Body) *ContextError {
	if body != nil && body.Error != nil && body.Error.Kind != "" {
		return &ContextError{Kind: body.Error.Kind, Message: body.Error.Message}
	}

	switch status {
	case http.StatusBadRequest:
		return ErrValidation.WithMessagef("status %d", status)
	case http.StatusNotFound:
		return ErrNotFound.WithMessagef("status %d", status)
	case http.StatusInsufficientStorage:
		return ErrResourceExhausted.WithMessagef("status %d", status)
	case http.StatusServiceUnavailable:
		return ErrUnavailable.WithMessagef("status %d", status)
	default:
		return ErrInternal.WithMessagef("unexpected status %d", status)
	}
}
