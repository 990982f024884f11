// Package kernelerr implements the kernel's error taxonomy and its
// mapping onto the {ok, error:{code,message,details}} response envelope.
package kernelerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind is one of the error kinds named in the error taxonomy. Kind is
// not a Go error type itself — it labels an *Error so that callers up
// the stack can branch on it without string matching.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindPreconditions      Kind = "preconditions"
	KindInsufficientQuorum Kind = "insufficient_quorum"
	KindSignerUnavailable  Kind = "signer_unavailable"
	KindPolicyDenied       Kind = "policy_denied"
	KindInternal           Kind = "internal"
	KindCanceled           Kind = "canceled"
	KindRateLimited        Kind = "rate_limited"
)

// httpStatus maps each Kind to the HTTP status the Request Surface
// renders it as.
var httpStatus = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindUnauthenticated:    http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindPreconditions:      http.StatusUnprocessableEntity,
	KindInsufficientQuorum: http.StatusBadRequest,
	KindSignerUnavailable:  http.StatusServiceUnavailable,
	KindPolicyDenied:       http.StatusForbidden,
	KindInternal:           http.StatusInternalServerError,
	KindCanceled:           499, // non-standard, matches nginx's client-closed-request convention
	KindRateLimited:        http.StatusTooManyRequests,
}

// Error is a typed kernel error. Domain components construct one via the
// New* constructors below and return it through normal Go error
// propagation; the Request Surface is the only layer that knows how to
// render it as HTTP.
type Error struct {
	Kind    Kind
	Code    string // machine-stable code, e.g. "insufficient_quorum"
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the HTTP status this error renders as.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs a kernel error of the given kind with a machine-stable
// code and human message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs a kernel error that wraps a lower-level cause. The
// cause is never exposed to callers of WriteError.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured details (e.g. {have, required, missing}
// for insufficient_quorum) and returns the same *Error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Common constructors for the error kinds used repeatedly across components.

func Validation(code, message string) *Error      { return New(KindValidation, code, message) }
func Forbidden(code, message string) *Error       { return New(KindForbidden, code, message) }
func NotFound(code, message string) *Error        { return New(KindNotFound, code, message) }
func Conflict(code, message string) *Error        { return New(KindConflict, code, message) }
func Preconditions(code, message string) *Error   { return New(KindPreconditions, code, message) }
func PolicyDenied(decisionID, ruleID string) *Error {
	return New(KindPolicyDenied, "policy_denied", "policy gate denied the request").
		WithDetails(map[string]any{"decisionId": decisionID, "ruleId": ruleID})
}
func SignerUnavailable(cause error) *Error {
	return Wrap(KindSignerUnavailable, "signer_unavailable", "signing service unreachable", cause)
}
func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal", "an unexpected error occurred", cause)
}
func Canceled(cause error) *Error {
	return Wrap(KindCanceled, "canceled", "request deadline exceeded or canceled", cause)
}
func InsufficientQuorum(have, required int) *Error {
	return New(KindInsufficientQuorum, "insufficient_quorum", "not enough distinct approvers").
		WithDetails(map[string]any{"have": have, "required": required, "missing": required - have})
}

// As extracts the *Error from err, if any, following the chain via
// errors.As. It is a thin convenience wrapper kept close to the type it
// unwraps.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// envelope is the canonical success/error response envelope from §6:
// {ok:true,...} or {ok:false,error:{code,message,details?}}.
type envelope struct {
	OK    bool       `json:"ok"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteJSON writes the request surface's success envelope.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"ok": true}
	if m, ok := payload.(map[string]any); ok {
		for k, v := range m {
			body[k] = v
		}
	} else if payload != nil {
		body["data"] = payload
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError renders err as the §6 error envelope and, for unexpected
// (non-*Error) errors, as kernelerr.Internal. The underlying cause of an
// internal error is logged but never serialized to the client.
func WriteError(w http.ResponseWriter, err error) {
	kerr, ok := As(err)
	if !ok {
		kerr = Internal(err)
	}
	if kerr.Kind == KindInternal {
		slog.Error("internal error", "code", kerr.Code, "cause", kerr.cause)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kerr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{
		OK: false,
		Error: &errorBody{
			Code:    kerr.Code,
			Message: kerr.Message,
			Details: kerr.Details,
		},
	})
}
