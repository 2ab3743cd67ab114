package goICloud

import (
	"context"
	"errors"

	"github.com/MrEthical07/goICloud/push"
	"github.com/MrEthical07/goICloud/transport"
)

var (
	// ErrInvalidCredentials is returned when sign-in yields no session token.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTwoFactorRejected is returned when the provider rejects a
	// verification code. The challenge stays open and the host may re-prompt.
	ErrTwoFactorRejected = errors.New("two-factor code rejected")
	// ErrSessionExpired is returned when a resumed session is no longer valid
	// and no credentials are available.
	ErrSessionExpired = errors.New("session expired or invalid")
	// ErrRegistration matches push registration rejections.
	ErrRegistration = push.ErrRegistration
	// ErrTransport matches network failures and timeouts. Retryable.
	ErrTransport = transport.ErrTransport
	// ErrMalformedResponse is returned when a provider payload or a persisted
	// state does not have the expected shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrTransitionInProgress is returned when a transition is started while
	// another one is running on the same session.
	ErrTransitionInProgress = errors.New("session transition in progress")
	// ErrNoTwoFactorPending is returned by EnterTwoFactorCode outside the
	// awaiting-code state.
	ErrNoTwoFactorPending = errors.New("no two-factor challenge pending")
	// ErrNotAuthenticated is returned by accessors that need an
	// authenticated session.
	ErrNotAuthenticated = errors.New("session not authenticated")
	// ErrCredentialsRequired is returned by Prepare when there is neither a
	// persisted session nor credentials.
	ErrCredentialsRequired = errors.New("credentials required")
	// ErrEngineNotReady is returned when a Session is used after Close or
	// without Build.
	ErrEngineNotReady = errors.New("session engine not initialized")
)

// ErrorKind classifies errors for [EventError] events.
type ErrorKind string

// Error kinds carried by [Event.Kind]. A host re-prompts on KindAuth and
// KindTwoFactor, asks for credentials on KindSessionInvalid and may retry
// KindTransport.
const (
	// KindNone is the kind of a nil error.
	KindNone ErrorKind = ""
	// KindAuth: the provider rejected the credentials.
	KindAuth ErrorKind = "auth"
	// KindTwoFactor: the verification code was rejected.
	KindTwoFactor ErrorKind = "two_factor"
	// KindSessionInvalid: the session expired or its cookies are no longer valid.
	KindSessionInvalid ErrorKind = "session_invalid"
	// KindRegistration: the push service refused a registration step.
	KindRegistration ErrorKind = "registration"
	// KindTransport: network failure, timeout or provider 5xx. Retryable.
	KindTransport ErrorKind = "transport"
	// KindMalformedResponse: the provider answered with an unexpected payload.
	KindMalformedResponse ErrorKind = "malformed_response"
	// KindUsage: the call was not valid in the current state.
	KindUsage ErrorKind = "usage"
	// KindCanceled: the caller's context ended the transition.
	KindCanceled ErrorKind = "canceled"
	// KindInternal covers every other error.
	KindInternal ErrorKind = "internal"
)

// KindOf maps err onto its [ErrorKind].
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrInvalidCredentials):
		return KindAuth
	case errors.Is(err, ErrTwoFactorRejected):
		return KindTwoFactor
	case errors.Is(err, ErrSessionExpired), errors.Is(err, push.ErrSessionInvalid):
		return KindSessionInvalid
	case errors.Is(err, ErrRegistration):
		return KindRegistration
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, push.ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, ErrTransitionInProgress), errors.Is(err, ErrNoTwoFactorPending),
		errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrCredentialsRequired),
		errors.Is(err, ErrEngineNotReady):
		return KindUsage
	default:
		return KindInternal
	}
}

// Retryable reports whether repeating the failed call may succeed without
// new input from the user.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
