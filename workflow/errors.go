// Package workflow drives the multi-step wallet flows: precondition
// validation, optional PIN authentication, signing, API submission and
// polling for server-side convergence. Progress and results are delivered as
// tagged events on the engine's channel.
package workflow

import (
	"errors"
	"fmt"

	"github.com/mesmerverse/walletkit/api"
	"github.com/mesmerverse/walletkit/keys"
	"github.com/mesmerverse/walletkit/keystore"
	"github.com/mesmerverse/walletkit/polling"
)

// ErrorKind classifies a workflow failure. The kind decides whether the
// caller can retry and which UI affordance makes sense.
type ErrorKind string

const (
	// KindInvalidInput marks a bad caller-supplied argument. Fatal.
	KindInvalidInput ErrorKind = "INVALID_INPUT"
	// KindEntityNotFound marks a missing user/device/session/token. Fatal
	// for this attempt.
	KindEntityNotFound ErrorKind = "ENTITY_NOT_FOUND"
	// KindInvalidState marks a status precondition violation; a different
	// workflow must run first.
	KindInvalidState ErrorKind = "INVALID_STATE"
	// KindKeyError marks missing or undecipherable key material.
	KindKeyError ErrorKind = "KEY_ERROR"
	// KindSignatureError marks a failed signing operation.
	KindSignatureError ErrorKind = "SIGNATURE_ERROR"
	// KindAPIError carries a server-side rejection verbatim.
	KindAPIError ErrorKind = "API_ERROR"
	// KindNetworkError marks a transport failure outside the poller.
	KindNetworkError ErrorKind = "NETWORK_ERROR"
	// KindUserCanceled marks an explicit user cancellation.
	KindUserCanceled ErrorKind = "USER_CANCELED"
	// KindMaxRetryExceeded marks an exhausted polling budget.
	KindMaxRetryExceeded ErrorKind = "MAX_RETRY_EXCEEDED"
)

// Well-known error codes surfaced to callers.
const (
	CodeInvalidQRCode        = "INVALID_QR_CODE"
	CodeUserAlreadyActivated = "USER_ALREADY_ACTIVATED"
	CodeUserNotActivated     = "USER_NOT_ACTIVATED"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeRuleNotFound         = "RULE_NOT_FOUND"
	CodeWorkflowInFlight     = "WORKFLOW_IN_FLIGHT"
	CodeInvalidPin           = "INVALID_PIN"
)

// Error is the structured failure every interrupted workflow terminates
// with: a kind for branching, a stable code and a human-readable message.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workflow: [%s/%s] %s: %v", e.Kind, e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("workflow: [%s/%s] %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func invalidInput(code, format string, args ...any) *Error {
	return newError(KindInvalidInput, code, fmt.Sprintf(format, args...))
}

func invalidState(code, format string, args ...any) *Error {
	return newError(KindInvalidState, code, fmt.Sprintf(format, args...))
}

func entityNotFound(code, format string, args ...any) *Error {
	return newError(KindEntityNotFound, code, fmt.Sprintf(format, args...))
}

// asWorkflowError normalizes any error raised during a workflow into the
// taxonomy. Already-classified errors pass through untouched.
func asWorkflowError(err error) *Error {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr
	}

	var serverErr *api.ServerError
	if errors.As(err, &serverErr) {
		return &Error{Kind: KindAPIError, Code: serverErr.Code, Msg: serverErr.Msg, Err: err}
	}
	if errors.Is(err, api.ErrNetwork) {
		return &Error{Kind: KindNetworkError, Code: "NETWORK_FAILURE", Msg: "request could not reach the platform", Err: err}
	}
	if errors.Is(err, polling.ErrMaxRetryExceeded) {
		return &Error{Kind: KindMaxRetryExceeded, Code: "POLLING_TIMEOUT", Msg: "server-side finalization did not complete in time", Err: err}
	}
	if errors.Is(err, keys.ErrKeyNotFound) {
		return &Error{Kind: KindKeyError, Code: "KEY_NOT_FOUND", Msg: "required key material is missing", Err: err}
	}
	if errors.Is(err, keystore.ErrInvalidData) {
		return &Error{Kind: KindKeyError, Code: "KEY_UNREADABLE", Msg: "stored key material could not be decrypted", Err: err}
	}
	if errors.Is(err, keys.ErrSignFailed) {
		return &Error{Kind: KindSignatureError, Code: "SIGN_FAILED", Msg: "signing operation failed", Err: err}
	}
	return &Error{Kind: KindAPIError, Code: "UNKNOWN", Msg: "workflow failed", Err: err}
}
