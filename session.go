package goICloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrEthical07/goICloud/cookie"
	"github.com/MrEthical07/goICloud/identity"
	"github.com/MrEthical07/goICloud/internal/logattr"
	"github.com/MrEthical07/goICloud/push"
	"github.com/MrEthical07/goICloud/session"
	"github.com/MrEthical07/goICloud/transport"
)

// Session drives one account through sign-in, two-factor verification,
// account login and push registration.
//
// At most one transition (Prepare, Login, EnterTwoFactorCode, Expire,
// RegisterPushService) runs at a time; a concurrent call fails fast with
// ErrTransitionInProgress. A transition works on a private copy of the
// session data and commits it only when it succeeds, so a failed or
// cancelled transition leaves the previous state observable. Accessors
// never block on a running transition.
type Session struct {
	cfg     Config
	doer    transport.Doer
	log     *slog.Logger
	events  *eventDispatcher
	metrics *Metrics
	now     func() time.Time

	transitionMu sync.Mutex

	mu      sync.RWMutex
	state   State
	failure error
	data    *sessionData
	closed  bool
}

// sessionData is everything a transition may change. Values held by a
// committed sessionData are never mutated; transitions work on a clone.
type sessionData struct {
	username string
	password string

	ident   *identity.Identity
	builder *transport.Builder

	tokens  session.Tokens
	jar     *cookie.Jar
	account session.Account
	push    push.State
	history []time.Time

	// challenge is set while a verification code is awaited.
	challenge *challenge
}

// challenge keeps the sign-in cookies needed by the verification calls.
// They are never persisted.
type challenge struct {
	jar *cookie.Jar
}

func (d *sessionData) clone() *sessionData {
	out := *d
	out.jar = d.jar.Clone()
	out.account = d.account.Clone()
	out.push = d.push.Clone()
	out.history = slices.Clone(d.history)
	if d.challenge != nil {
		out.challenge = &challenge{jar: d.challenge.jar.Clone()}
	}
	return &out
}

func (d *sessionData) authHeaders() transport.Auth {
	auth := transport.Auth{
		SessionID: d.tokens.SessionID,
		Scnt:      d.tokens.Scnt,
	}
	if d.challenge != nil {
		auth.Cookie = d.challenge.jar.String()
	}
	return auth
}

func (d *sessionData) pushTarget() transport.PushTarget {
	return transport.PushTarget{
		URL:  d.account.ServiceURL("push"),
		DSID: d.account.DSID(),
	}
}

// usable is the session validity predicate: a session token, a non-empty
// jar whose cookies are all unexpired or trust markers, and account
// metadata.
func (d *sessionData) usable(now time.Time) bool {
	return d.tokens.SessionToken != "" && d.jar.Valid(now) && len(d.account) > 0
}

func newJar(cfg Config) *cookie.Jar {
	return cookie.NewJar(cfg.Cookies.TrustMarkerNames...)
}

/*
====================================
TRANSITIONS
====================================
*/

type transition struct {
	s       *Session
	name    string
	from    State
	pending *sessionData
	cid     string
	started time.Time
	log     *slog.Logger
}

func (s *Session) begin(ctx context.Context, name string) (*transition, error) {
	if s == nil {
		return nil, ErrEngineNotReady
	}
	if !s.transitionMu.TryLock() {
		s.metrics.Inc(MetricTransitionRejected)
		return nil, ErrTransitionInProgress
	}

	s.mu.RLock()
	closed := s.closed
	from := s.state
	pending := s.data.clone()
	s.mu.RUnlock()

	if closed {
		s.transitionMu.Unlock()
		return nil, ErrEngineNotReady
	}

	t := &transition{
		s:       s,
		name:    name,
		from:    from,
		pending: pending,
		cid:     correlationID(ctx),
		started: time.Now(),
	}
	t.log = s.log.With(
		logattr.Transition(name),
		logattr.CorrelationID(t.cid),
		logattr.Username(pending.username),
	)
	return t, nil
}

func (t *transition) end() {
	t.s.metrics.Observe(MetricTransitionLatency, time.Since(t.started))
	t.s.transitionMu.Unlock()
}

// commit publishes the pending data together with the target state.
func (t *transition) commit(to State, failure error) {
	s := t.s
	s.mu.Lock()
	s.data = t.pending
	s.state = to
	s.failure = failure
	s.mu.Unlock()

	t.log.Info("session state changed",
		logattr.State(to.String()),
		slog.String("from", t.from.String()),
		logattr.Duration(time.Since(t.started)),
	)
}

func (t *transition) emit(ctx context.Context, typ EventType, state State, err error) {
	ev := Event{
		Type:          typ,
		Time:          t.s.now().UTC(),
		Username:      t.pending.username,
		State:         state,
		CorrelationID: t.cid,
	}
	if err != nil {
		ev.Kind = KindOf(err)
		ev.Message = err.Error()
	}
	if typ == EventTwoFactorRequired {
		ev.Password = t.pending.password
	}
	t.s.events.Emit(ctx, ev)
}

// fail abandons the transition. The committed state is left untouched.
// Usage errors and cancellation are returned without an event.
func (t *transition) fail(ctx context.Context, err error) error {
	kind := KindOf(err)
	switch kind {
	case KindCanceled:
		t.log.Debug("transition cancelled", logattr.Error(err))
		return err
	case KindUsage:
		return err
	case KindTransport:
		t.s.metrics.Inc(MetricTransportFailure)
	case KindMalformedResponse:
		t.s.metrics.Inc(MetricMalformedResponse)
	}
	t.log.Warn("transition failed", logattr.Error(err), slog.String("kind", string(kind)))

	t.s.mu.RLock()
	state := t.s.state
	t.s.mu.RUnlock()
	t.emit(ctx, EventError, state, err)
	return err
}

func (t *transition) mergeCookies(jar *cookie.Jar, resp *transport.Response) {
	dropped := jar.MergeAt(resp.SetCookies(), t.s.now())
	if len(dropped) > 0 {
		t.s.metrics.Add(MetricCookiesDropped, uint64(len(dropped)))
		t.log.Warn("dropped malformed set-cookie headers", logattr.Errors(dropped...))
	}
}

/*
====================================
ACCESSORS
====================================
*/

// State returns the committed state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// FailureReason returns the reason of StateFailed, or nil.
func (s *Session) FailureReason() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// Username returns the account the session is bound to.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.username
}

// ClientID returns the client-correlation identifier sent on every request.
func (s *Session) ClientID() string {
	s.mu.RLock()
	ident := s.data.ident
	s.mu.RUnlock()
	return ident.ClientID()
}

func (s *Session) authenticated() (*sessionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated {
		return nil, ErrNotAuthenticated
	}
	return s.data, nil
}

// CookieString renders the Cookie header downstream clients send.
func (s *Session) CookieString() (string, error) {
	d, err := s.authenticated()
	if err != nil {
		return "", err
	}
	return d.jar.String(), nil
}

// ServiceURL returns the base URL of a provider web service, such as
// "ckdatabasews" or "push", from the account metadata.
func (s *Session) ServiceURL(name string) (string, error) {
	d, err := s.authenticated()
	if err != nil {
		return "", err
	}
	u := d.account.ServiceURL(name)
	if u == "" {
		return "", fmt.Errorf("%w: no %q service in account metadata", ErrMalformedResponse, name)
	}
	return u, nil
}

// DSID returns the account directory-services id.
func (s *Session) DSID() (string, error) {
	d, err := s.authenticated()
	if err != nil {
		return "", err
	}
	return d.account.DSID(), nil
}

// Account returns a copy of the account metadata.
func (s *Session) Account() session.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.account.Clone()
}

// Push returns a copy of the push registration state.
func (s *Session) Push() push.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.push.Clone()
}

// LoginHistory returns the times of every successful session start.
func (s *Session) LoginHistory() []time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.data.history)
}

// Snapshot returns the persistable form of the committed session. The
// password and the pending two-factor cookies are never included.
func (s *Session) Snapshot() *session.State {
	s.mu.RLock()
	d := s.data
	s.mu.RUnlock()

	return &session.State{
		Version:      session.CurrentSchemaVersion,
		Username:     d.username,
		ClientID:     d.ident.ClientID(),
		Tokens:       d.tokens,
		Cookies:      d.jar.States(),
		Account:      d.account.Clone(),
		Push:         d.push.Clone(),
		LoginHistory: slices.Clone(d.history),
		UpdatedAt:    s.now().UTC(),
	}
}

// Persist saves Snapshot to store.
func (s *Session) Persist(ctx context.Context, store session.Store) error {
	st := s.Snapshot()
	if st.Username == "" {
		return fmt.Errorf("%w: session has no username", ErrCredentialsRequired)
	}
	return store.Save(ctx, st)
}

// Metrics returns a snapshot of the session counters.
func (s *Session) Metrics() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// DroppedEvents reports events discarded by a full dispatcher buffer.
func (s *Session) DroppedEvents() uint64 {
	return s.events.Dropped()
}

// Close flushes pending events and rejects further transitions.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.events.Close()
}

// CheckValidity evaluates the validity predicate at now and demotes an
// authenticated session that no longer satisfies it.
func (s *Session) CheckValidity(now time.Time) error {
	d, err := s.authenticated()
	if err != nil {
		return err
	}
	if d.usable(now) {
		return nil
	}
	if err := s.Expire(); err != nil && !errors.Is(err, ErrTransitionInProgress) {
		return err
	}
	return ErrSessionExpired
}
