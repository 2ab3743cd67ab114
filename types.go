package goICloud

import "time"

// State is a position in the session state machine.
type State uint8

const (
	// StateUnauthenticated is the initial state and the target of Expire.
	StateUnauthenticated State = iota
	// StateAwaitingCredentials means Prepare found nothing to resume and no
	// credentials; the host must call Login.
	StateAwaitingCredentials
	// StateAwaitingTwoFactorCode means sign-in succeeded and the provider
	// requires a verification code.
	StateAwaitingTwoFactorCode
	// StateAuthenticated means cookies, tokens and account metadata are
	// usable by downstream clients.
	StateAuthenticated
	// StateFailed is terminal for the current input; see FailureReason.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAwaitingCredentials:
		return "awaiting_credentials"
	case StateAwaitingTwoFactorCode:
		return "awaiting_two_factor_code"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventType names a lifecycle event.
type EventType string

const (
	// EventTwoFactorRequired asks the host for a verification code. The
	// event carries the username and password for the continuation.
	EventTwoFactorRequired EventType = "two_factor_required"
	// EventCredentialsRequired asks the host for a username and password.
	EventCredentialsRequired EventType = "credentials_required"
	// EventReady reports an authenticated, usable session.
	EventReady EventType = "ready"
	// EventError reports a failed transition.
	EventError EventType = "error"
)

// Event is a lifecycle notification delivered to the [EventSink].
type Event struct {
	Type          EventType `json:"type"`
	Time          time.Time `json:"time"`
	Username      string    `json:"username,omitempty"`
	State         State     `json:"state"`
	Kind          ErrorKind `json:"kind,omitempty"`
	Message       string    `json:"message,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	// Password is only set on EventTwoFactorRequired and is never
	// serialized.
	Password string `json:"-"`
}

// MetricsSnapshot is a point-in-time copy of the session counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}
