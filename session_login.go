package goICloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MrEthical07/goICloud/identity"
	"github.com/MrEthical07/goICloud/internal/logattr"
	"github.com/MrEthical07/goICloud/push"
	"github.com/MrEthical07/goICloud/session"
	"github.com/MrEthical07/goICloud/transport"
)

const (
	headerSessionToken = "X-Apple-Session-Token"
	headerSessionID    = "X-Apple-ID-Session-Id"
	headerScnt         = "scnt"
	headerTrustToken   = "X-Apple-TwoSV-Trust-Token"

	authTypeHSA2 = "hsa2"
)

type signInBody struct {
	AuthType string `json:"authType"`
}

// Login signs in with username and password. It may be called from any
// state and abandons a pending two-factor challenge.
//
// When the provider requires a verification code the session moves to
// StateAwaitingTwoFactorCode, emits EventTwoFactorRequired and Login
// returns nil; the host then calls EnterTwoFactorCode. A stored trust token
// is offered on sign-in so a previously verified device skips the
// challenge. Otherwise the account login runs immediately and the session
// becomes StateAuthenticated.
func (s *Session) Login(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", ErrInvalidCredentials)
	}

	t, err := s.begin(ctx, "login")
	if err != nil {
		return err
	}
	defer t.end()

	p := t.pending
	switched := session.NormalizeUsername(p.username) != session.NormalizeUsername(username)
	if switched && p.username != "" {
		// Another account: nothing of the previous one may leak into it.
		p.ident = identity.New(s.cfg.Client)
		rb, err := transport.NewBuilder(s.cfg.Provider, p.ident)
		if err != nil {
			return t.fail(ctx, err)
		}
		p.builder = rb
		p.tokens = session.Tokens{}
		p.history = nil
	}
	if switched {
		t.log = t.log.With(logattr.Username(username))
	}
	p.username = username
	p.password = password

	return s.login(ctx, t)
}

// login runs the credential exchange on t.pending. Every login is a full
// reset of cookies, account metadata and push registration; the client id,
// trust token and history survive.
func (s *Session) login(ctx context.Context, t *transition) error {
	p := t.pending
	p.challenge = nil

	var trustTokens []string
	if p.tokens.TrustToken != "" {
		trustTokens = []string{p.tokens.TrustToken}
	}
	req, err := p.builder.SignIn(p.username, p.password, trustTokens)
	if err != nil {
		return t.fail(ctx, err)
	}
	resp, err := s.doer.Do(ctx, req)
	if err != nil {
		return t.fail(ctx, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return t.fail(ctx, fmt.Errorf("%w: sign-in returned status %d", ErrTransport, resp.StatusCode))
	}
	token := resp.Header.Get(headerSessionToken)
	if token == "" || (!resp.OK() && resp.StatusCode != http.StatusConflict) {
		s.metrics.Inc(MetricLoginFailure)
		return t.fail(ctx, fmt.Errorf("%w: sign-in returned status %d", ErrInvalidCredentials, resp.StatusCode))
	}

	var body signInBody
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := resp.DecodeJSON(&body); err != nil {
			return t.fail(ctx, fmt.Errorf("%w: sign-in: %v", ErrMalformedResponse, err))
		}
	}

	authJar := newJar(s.cfg)
	t.mergeCookies(authJar, resp)

	p.tokens.SessionToken = token
	p.tokens.SessionID = resp.Header.Get(headerSessionID)
	p.tokens.Scnt = resp.Header.Get(headerScnt)
	p.jar = newJar(s.cfg)
	p.account = session.Account{}
	p.push = push.NewState(s.cfg.Push.Topics, s.cfg.Push.TTL)

	// 409 means the offered trust token was not accepted.
	if body.AuthType == authTypeHSA2 && (p.tokens.TrustToken == "" || resp.StatusCode == http.StatusConflict) {
		p.tokens.TrustToken = ""
		p.challenge = &challenge{jar: authJar}
		t.commit(StateAwaitingTwoFactorCode, nil)
		s.metrics.Inc(MetricTwoFactorRequired)
		t.emit(ctx, EventTwoFactorRequired, StateAwaitingTwoFactorCode, nil)
		return nil
	}

	return s.update(ctx, t)
}

// EnterTwoFactorCode submits the verification code for the pending
// challenge. A rejected code returns ErrTwoFactorRejected and keeps the
// challenge open. On success the device is marked as trusted, the trust
// token is kept for later logins and the session becomes
// StateAuthenticated.
func (s *Session) EnterTwoFactorCode(ctx context.Context, code string) error {
	t, err := s.begin(ctx, "two_factor")
	if err != nil {
		return err
	}
	defer t.end()

	p := t.pending
	if t.from != StateAwaitingTwoFactorCode || p.challenge == nil {
		return t.fail(ctx, ErrNoTwoFactorPending)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		s.metrics.Inc(MetricTwoFactorFailure)
		return t.fail(ctx, fmt.Errorf("%w: empty code", ErrTwoFactorRejected))
	}

	req, err := p.builder.VerifySecurityCode(p.authHeaders(), code)
	if err != nil {
		return t.fail(ctx, err)
	}
	resp, err := s.doer.Do(ctx, req)
	if err != nil {
		return t.fail(ctx, err)
	}
	if !resp.OK() {
		s.metrics.Inc(MetricTwoFactorFailure)
		return t.fail(ctx, fmt.Errorf("%w: provider returned status %d", ErrTwoFactorRejected, resp.StatusCode))
	}
	t.mergeCookies(p.challenge.jar, resp)
	refreshAuth(p, resp)

	req, err = p.builder.Trust(p.authHeaders())
	if err != nil {
		return t.fail(ctx, err)
	}
	resp, err = s.doer.Do(ctx, req)
	if err != nil {
		return t.fail(ctx, err)
	}
	if !resp.OK() {
		return t.fail(ctx, fmt.Errorf("%w: trust returned status %d", ErrMalformedResponse, resp.StatusCode))
	}
	sessionToken := resp.Header.Get(headerSessionToken)
	trustToken := resp.Header.Get(headerTrustToken)
	if sessionToken == "" || trustToken == "" {
		return t.fail(ctx, fmt.Errorf("%w: trust response lacks session or trust token", ErrMalformedResponse))
	}
	t.mergeCookies(p.challenge.jar, resp)
	p.tokens.SessionToken = sessionToken
	p.tokens.TrustToken = trustToken

	// Logging in once with the trust token registers the device as trusted.
	req, err = p.builder.AccountLogin(sessionToken, trustToken)
	if err != nil {
		return t.fail(ctx, err)
	}
	resp, err = s.doer.Do(ctx, req)
	if err != nil {
		return t.fail(ctx, err)
	}
	if !resp.OK() {
		return t.fail(ctx, accountLoginError(resp.StatusCode))
	}
	t.mergeCookies(p.jar, resp)
	s.metrics.Inc(MetricTwoFactorSuccess)

	return s.update(ctx, t)
}

// update performs the account login that turns the session token into
// cookies and account metadata, then registers for push.
func (s *Session) update(ctx context.Context, t *transition) error {
	p := t.pending

	req, err := p.builder.AccountLogin(p.tokens.SessionToken, "")
	if err != nil {
		return t.fail(ctx, err)
	}
	resp, err := s.doer.Do(ctx, req)
	if err != nil {
		return t.fail(ctx, err)
	}
	if !resp.OK() {
		s.metrics.Inc(MetricLoginFailure)
		return t.fail(ctx, accountLoginError(resp.StatusCode))
	}

	acct, err := decodeAccount(resp.Body)
	if err != nil {
		return t.fail(ctx, err)
	}
	if p.account == nil {
		p.account = session.Account{}
	}
	p.account.Merge(acct)
	t.mergeCookies(p.jar, resp)
	p.challenge = nil

	if s.cfg.Push.Enabled {
		if err := s.registerPush(ctx, t); err != nil {
			return t.fail(ctx, err)
		}
	}

	p.history = append(p.history, s.now())
	t.commit(StateAuthenticated, nil)
	s.metrics.Inc(MetricLoginSuccess)
	t.emit(ctx, EventReady, StateAuthenticated, nil)
	return nil
}

// Expire demotes an authenticated session to StateUnauthenticated, for
// example after a downstream client saw the provider reject its cookies.
// Other states are left alone.
func (s *Session) Expire() error {
	ctx := context.Background()
	t, err := s.begin(ctx, "expire")
	if err != nil {
		return err
	}
	defer t.end()

	if t.from != StateAuthenticated {
		return nil
	}
	t.commit(StateUnauthenticated, nil)
	s.metrics.Inc(MetricSessionExpired)
	t.emit(ctx, EventError, StateUnauthenticated, ErrSessionExpired)
	return nil
}

func decodeAccount(body []byte) (session.Account, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var acct session.Account
	if err := dec.Decode(&acct); err != nil {
		return nil, fmt.Errorf("%w: account login: %v", ErrMalformedResponse, err)
	}
	if acct.DSID() == "" {
		return nil, fmt.Errorf("%w: account login: missing dsInfo.dsid", ErrMalformedResponse)
	}
	return acct, nil
}

func accountLoginError(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusMisdirectedRequest:
		return fmt.Errorf("%w: account login returned status %d", ErrInvalidCredentials, status)
	case status >= 500:
		return fmt.Errorf("%w: account login returned status %d", ErrTransport, status)
	default:
		return fmt.Errorf("%w: account login returned status %d", ErrMalformedResponse, status)
	}
}

// refreshAuth picks up rotated auth headers.
func refreshAuth(p *sessionData, resp *transport.Response) {
	if v := resp.Header.Get(headerSessionID); v != "" {
		p.tokens.SessionID = v
	}
	if v := resp.Header.Get(headerScnt); v != "" {
		p.tokens.Scnt = v
	}
}
