package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goICloud/transport"
)

var (
	// ErrSessionInvalid is returned when the cookie jar cannot authorize the
	// call.
	ErrSessionInvalid = errors.New("push: session cookies are not valid")
	// ErrMissingEndpoint is returned when the account metadata does not name
	// a push service or account id.
	ErrMissingEndpoint = errors.New("push: push service endpoint unknown")
	// ErrNoToken is returned by calls that need a token before one was
	// acquired.
	ErrNoToken = errors.New("push: no push token")
	// ErrRegistration matches every [*RegistrationError].
	ErrRegistration = errors.New("push registration rejected")
	// ErrMalformedResponse is returned when the provider payload does not
	// have the expected shape.
	ErrMalformedResponse = errors.New("push: malformed response")
)

// RegistrationError is a provider rejection.
type RegistrationError struct {
	Op string
	// Code is the provider status field, or the HTTP status when the
	// provider answered with a non-2xx status and no status field.
	Code   int
	Reason string
}

func (e *RegistrationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("push %s rejected: code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("push %s rejected: code %d: %s", e.Op, e.Code, e.Reason)
}

// Is makes errors.Is(err, ErrRegistration) match.
func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistration
}

// Jar is the read-only view of a cookie jar the registrar needs.
type Jar interface {
	String() string
	Valid(now time.Time) bool
}

// Registrar performs push calls. It is stateless and safe for concurrent
// use; per-session data is passed to every call.
type Registrar struct {
	builder *transport.Builder
	doer    transport.Doer
	now     func() time.Time
}

// NewRegistrar binds a request builder to a transport.
func NewRegistrar(builder *transport.Builder, doer transport.Doer) *Registrar {
	return &Registrar{builder: builder, doer: doer, now: time.Now}
}

type statusBody struct {
	Error  *int   `json:"error"`
	Reason string `json:"reason"`
}

type tokenBody struct {
	statusBody
	PushToken     string `json:"pushToken"`
	WebCourierURL string `json:"webCourierURL"`
}

// AcquireToken requests a push token for st.Topics and stores it with the
// courier URL in st.
func (r *Registrar) AcquireToken(ctx context.Context, jar Jar, target transport.PushTarget, st *State) error {
	cookie, err := r.precheck(jar, target)
	if err != nil {
		return err
	}
	req, err := r.builder.PushGetToken(target, cookie, st.Topics, st.TTL)
	if err != nil {
		return err
	}
	var body tokenBody
	if err := r.call(ctx, "getToken", req, &body, true); err != nil {
		return err
	}
	if body.PushToken == "" {
		return fmt.Errorf("%w: getToken returned no token", ErrMalformedResponse)
	}
	st.Token = body.PushToken
	st.CourierURL = body.WebCourierURL
	return nil
}

// RegisterTopics binds st.Token to st.Topics. Repeating the call with the
// same token is harmless.
func (r *Registrar) RegisterTopics(ctx context.Context, jar Jar, target transport.PushTarget, st *State) error {
	cookie, err := r.precheck(jar, target)
	if err != nil {
		return err
	}
	if st.Token == "" {
		return ErrNoToken
	}
	req, err := r.builder.PushRegisterTopics(target, cookie, st.Token, st.Topics, st.TTL)
	if err != nil {
		return err
	}
	return r.call(ctx, "registerTopics", req, &statusBody{}, false)
}

// RegisterDevice registers st.Token with service and records it in
// st.RegisteredServices.
func (r *Registrar) RegisterDevice(ctx context.Context, jar Jar, target transport.PushTarget, st *State, service string) error {
	cookie, err := r.precheck(jar, target)
	if err != nil {
		return err
	}
	if st.Token == "" {
		return ErrNoToken
	}
	req, err := r.builder.PushRegisterDevice(target, cookie, service, st.Token)
	if err != nil {
		return err
	}
	if err := r.call(ctx, "registerDevice", req, &statusBody{}, false); err != nil {
		return err
	}
	st.markRegistered(service)
	return nil
}

// GetState queries the provider's view of the topic subscriptions. The
// payload is returned undecoded beyond generic JSON.
func (r *Registrar) GetState(ctx context.Context, jar Jar, target transport.PushTarget, st *State) (map[string]any, error) {
	cookie, err := r.precheck(jar, target)
	if err != nil {
		return nil, err
	}
	req, err := r.builder.PushGetState(target, cookie, st.Topics)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := r.call(ctx, "getState", req, &out, false); err != nil {
		return nil, err
	}
	if code, ok := out["error"].(float64); ok && code != 0 {
		reason, _ := out["reason"].(string)
		return nil, &RegistrationError{Op: "getState", Code: int(code), Reason: reason}
	}
	return out, nil
}

// PollCourier waits on the web courier for the next notification batch and
// returns its raw body. It blocks until the courier answers or ctx ends.
func (r *Registrar) PollCourier(ctx context.Context, st *State) ([]byte, error) {
	if st.Token == "" {
		return nil, ErrNoToken
	}
	req, err := r.builder.CourierPoll(st.CourierURL, st.Token, st.TTL)
	if err != nil {
		return nil, err
	}
	resp, err := r.doer.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &RegistrationError{Op: "poll", Code: resp.StatusCode}
	}
	return resp.Body, nil
}

func (r *Registrar) precheck(jar Jar, target transport.PushTarget) (string, error) {
	if jar == nil || !jar.Valid(r.now()) {
		return "", ErrSessionInvalid
	}
	if target.URL == "" || target.DSID == "" {
		return "", ErrMissingEndpoint
	}
	return jar.String(), nil
}

// call executes req and decodes the JSON body into out. A body status
// field other than zero is a rejection; requireStatus demands the field.
func (r *Registrar) call(ctx context.Context, op string, req *transport.Request, out any, requireStatus bool) error {
	resp, err := r.doer.Do(ctx, req)
	if err != nil {
		return err
	}

	var (
		status    statusBody
		decodeErr error
	)
	if len(resp.Body) > 0 {
		decodeErr = resp.DecodeJSON(&status)
	}
	if !resp.OK() {
		code := resp.StatusCode
		if status.Error != nil && *status.Error != 0 {
			code = *status.Error
		}
		reason := status.Reason
		if decodeErr != nil {
			reason = "undecodable response body: " + decodeErr.Error()
		}
		return &RegistrationError{Op: op, Code: code, Reason: reason}
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, decodeErr)
	}
	if status.Error != nil && *status.Error != 0 {
		return &RegistrationError{Op: op, Code: *status.Error, Reason: status.Reason}
	}
	if requireStatus && status.Error == nil {
		return fmt.Errorf("%w: %s response has no status field", ErrMalformedResponse, op)
	}
	if len(resp.Body) == 0 {
		return nil
	}
	if err := resp.DecodeJSON(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	return nil
}
