package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// Sane defaults are listed below. For routes that need custom error messages,
// a request error can be generated and a handler expects the router to return
// the exact message inside the request error msg.
//
// Error codes should be bubbled where the RequestError msg is expected to be
// returned to the caller. If the caller should see a generic error message but
// the error chain should include more detail for logging purposes, then a
// generic error should be added that provides context
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

var (
	ErrNoActiveConnection  = &RequestError{Err: errors.New("no active connection for session"), StatusCode: 404}
	ErrUnsupportedAction   = &RequestError{Err: errors.New("unsupported action"), StatusCode: 400}
	ErrProviderUnavailable = &RequestError{Err: errors.New("upstream provider unavailable"), StatusCode: 500}
	ErrUnknownModel        = &RequestError{Err: errors.New("unknown model"), StatusCode: 500}

	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}
	ErrUnauthorized  = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401}

	ErrInvalidRequest      = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrBadRequest          = &RequestError{Err: errors.New("bad request"), StatusCode: 400}
	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}
	ErrNotFound            = &RequestError{Err: errors.New("not found"), StatusCode: 404}
)
