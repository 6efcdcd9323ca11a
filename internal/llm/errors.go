package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nugget/todogate/internal/httpkit"
)

// ErrorKind is the closed set of failure categories surfaced to callers.
type ErrorKind int

const (
	// KindInternal is a failure inside the gateway itself.
	KindInternal ErrorKind = iota
	// KindInvalidInput covers bad requests: empty message, unknown or
	// disallowed model, missing key, upstream-rejected arguments.
	KindInvalidInput
	// KindAuthentication means the upstream rejected the API key.
	KindAuthentication
	// KindQuota means rate-limited or out of credit.
	KindQuota
	// KindTimeout means the deadline passed before the upstream answered.
	KindTimeout
	// KindUpstream is any other upstream or network failure.
	KindUpstream
)

var kindNames = map[ErrorKind]string{
	KindInternal:       "internal",
	KindInvalidInput:   "invalid_input",
	KindAuthentication: "authentication",
	KindQuota:          "quota",
	KindTimeout:        "timeout",
	KindUpstream:       "upstream",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HTTPStatus maps the kind to the status returned to API clients.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindQuota:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the generic text shown to API clients. Upstream
// detail stays in server logs.
func (k ErrorKind) PublicMessage() string {
	switch k {
	case KindInvalidInput:
		return "Invalid request"
	case KindAuthentication:
		return "API key is invalid or not authorized"
	case KindQuota:
		return "Provider quota exhausted or rate limited, please try again later"
	case KindTimeout:
		return "The model provider did not respond in time"
	case KindUpstream:
		return "The model provider returned an error"
	default:
		return "Internal server error"
	}
}

// Error is returned by adapters and the gateway for every failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int    // upstream HTTP status, 0 if none
	Detail   string // upstream or internal detail, for logs
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ClientMessage returns what API clients may see. Invalid-input errors
// raised by the gateway carry a safe detail; everything else is generic.
func (e *Error) ClientMessage() string {
	if e.Kind == KindInvalidInput && e.Status == 0 && e.Detail != "" {
		return e.Detail
	}
	return e.Kind.PublicMessage()
}

// KindOf extracts the kind from err. Errors that are not *Error are
// classified as timeouts when a deadline passed, otherwise internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if httpkit.IsTimeout(err) {
		return KindTimeout
	}
	return KindInternal
}

// InvalidInput builds a gateway-side validation error whose detail is
// safe to return to the caller.
func InvalidInput(provider, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Provider: provider, Detail: fmt.Sprintf(format, args...)}
}

// transportError classifies a failure to get any HTTP response.
func transportError(provider string, err error) *Error {
	kind := KindUpstream
	if httpkit.IsTimeout(err) {
		kind = KindTimeout
	} else if errors.Is(err, context.Canceled) {
		kind = KindInternal
	}
	return &Error{Kind: kind, Provider: provider, Detail: "request failed", Err: err}
}

// statusKind is the fallback classification by upstream HTTP status.
func statusKind(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusPaymentRequired, status == http.StatusTooManyRequests:
		return KindQuota
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusUnprocessableEntity:
		return KindInvalidInput
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUpstream
	}
}
