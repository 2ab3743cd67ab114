package stub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/MrEthical07/goICloud/transport"
)

// Route names accepted by Calls.
const (
	RouteSignIn         = "signin"
	RouteSecurityCode   = "securitycode"
	RouteTrust          = "trust"
	RouteAccountLogin   = "accountLogin"
	RouteGetToken       = "getToken"
	RouteRegisterTopics = "registerTopics"
	RouteRegisterDevice = "registerDevice"
	RouteGetState       = "getState"
	RouteCourier        = "courier"
)

const (
	webAuthTokenCookie = "X-APPLE-WEBAUTH-TOKEN"
	webAuthUserCookie  = "X-APPLE-WEBAUTH-USER"
	hsaLoginCookie     = "X-APPLE-WEBAUTH-HSA-LOGIN"
	hsaTrustCookie     = "X-APPLE-WEBAUTH-HSA-TRUST"
	authCookie         = "aasp"

	sessionTokenTTL = 10 * time.Minute
	trustTokenTTL   = 30 * 24 * time.Hour
)

var codeOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Account is a provider-side account.
type Account struct {
	Username string
	Password string
	// DSID is the numeric directory-services id reported by account login.
	DSID string
	// TwoFactor requires a verification code unless a trust token is
	// offered.
	TwoFactor bool
	// TOTPSecret seeds verification codes. Generated when empty.
	TOTPSecret string
}

// Options tune failure injection.
type Options struct {
	Now func() time.Time
	// CookieTTL is the lifetime of the web auth cookies. Default 1h.
	CookieTTL time.Duration
	// PushError, when non-zero, is the error code of every push answer.
	PushError int
	// OmitPushToken makes getToken answer without a token.
	OmitPushToken bool
	// OmitDSID drops dsInfo from the account login answer.
	OmitDSID bool
	// Latency delays every answer; a cancelled request returns early.
	Latency time.Duration
}

type account struct {
	username  string
	hash      string
	dsid      string
	twoFactor bool
	secret    string
}

type pendingAuth struct {
	account  string
	scnt     string
	aasp     string
	verified bool
}

// Provider is the fake provider. It is an http.Handler.
type Provider struct {
	opts   Options
	tokens *tokenIssuer
	router *mux.Router

	mu         sync.Mutex
	baseURL    string
	accounts   map[string]*account
	pending    map[string]*pendingAuth
	webTokens  map[string]string
	pushTokens map[string]string
	devices    map[string]int
	calls      map[string]int
}

// New creates a provider holding accounts.
func New(opts Options, accounts ...Account) (*Provider, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CookieTTL <= 0 {
		opts.CookieTTL = time.Hour
	}
	tokens, err := newTokenIssuer(opts.Now)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		opts:       opts,
		tokens:     tokens,
		accounts:   make(map[string]*account),
		pending:    make(map[string]*pendingAuth),
		webTokens:  make(map[string]string),
		pushTokens: make(map[string]string),
		devices:    make(map[string]int),
		calls:      make(map[string]int),
	}
	for _, a := range accounts {
		if err := p.AddAccount(a); err != nil {
			return nil, err
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/appleauth/auth/signin", p.handleSignIn).Methods(http.MethodPost).Name(RouteSignIn)
	r.HandleFunc("/appleauth/auth/verify/trusteddevice/securitycode", p.handleSecurityCode).Methods(http.MethodPost).Name(RouteSecurityCode)
	r.HandleFunc("/appleauth/auth/2sv/trust", p.handleTrust).Methods(http.MethodPost).Name(RouteTrust)
	r.HandleFunc("/setup/ws/1/accountLogin", p.handleAccountLogin).Methods(http.MethodPost).Name(RouteAccountLogin)
	r.HandleFunc("/getToken", p.handleGetToken).Methods(http.MethodPost).Name(RouteGetToken)
	r.HandleFunc("/registerTopics", p.handleRegisterTopics).Methods(http.MethodPost).Name(RouteRegisterTopics)
	r.HandleFunc("/device/1/{service}/production/tokens/register", p.handleRegisterDevice).Methods(http.MethodPost).Name(RouteRegisterDevice)
	r.HandleFunc("/getState", p.handleGetState).Methods(http.MethodPost).Name(RouteGetState)
	r.HandleFunc("/aps", p.handleCourier).Methods(http.MethodGet).Name(RouteCourier)
	r.Use(p.instrument)
	p.router = r

	return p, nil
}

// AddAccount registers or replaces an account.
func (p *Provider) AddAccount(a Account) error {
	name := normalize(a.Username)
	if name == "" || a.Password == "" {
		return errors.New("stub: account needs a username and a password")
	}
	hash, err := hashPassword(a.Password, defaultHashParams)
	if err != nil {
		return err
	}
	secret := a.TOTPSecret
	if secret == "" {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: issuerName, AccountName: name})
		if err != nil {
			return err
		}
		secret = key.Secret()
	}
	dsid := a.DSID
	if dsid == "" {
		dsid = "10000000001"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[name] = &account{
		username:  name,
		hash:      hash,
		dsid:      dsid,
		twoFactor: a.TwoFactor,
		secret:    secret,
	}
	return nil
}

// SetBaseURL sets the URL advertised for the push and database services
// and the web courier. Call it once the listener address is known.
func (p *Provider) SetBaseURL(u string) {
	p.mu.Lock()
	p.baseURL = strings.TrimSuffix(u, "/")
	p.mu.Unlock()
}

// Endpoints points every provider endpoint at base.
func Endpoints(base string) transport.Endpoints {
	return transport.Endpoints{Auth: base, Setup: base, Origin: base, Courier: base}
}

// Code returns the verification code currently accepted for username.
func (p *Provider) Code(username string) (string, error) {
	p.mu.Lock()
	acct := p.accounts[normalize(username)]
	p.mu.Unlock()
	if acct == nil {
		return "", fmt.Errorf("stub: unknown account %q", username)
	}
	return totp.GenerateCodeCustom(acct.secret, p.opts.Now(), codeOpts)
}

// Calls reports how many requests reached route.
func (p *Provider) Calls(route string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[route]
}

// DeviceRegistrations reports successful device registrations for service.
func (p *Provider) DeviceRegistrations(service string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices[service]
}

// ServeHTTP implements http.Handler.
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

func (p *Provider) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			p.mu.Lock()
			p.calls[route.GetName()]++
			p.mu.Unlock()
		}
		if p.opts.Latency > 0 {
			select {
			case <-time.After(p.opts.Latency):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

/*
====================================
AUTH
====================================
*/

func (p *Provider) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Apple-Widget-Key") == "" {
		writeJSON(w, http.StatusBadRequest, serviceError("-20209", "missing widget key"))
		return
	}
	var req struct {
		AccountName string   `json:"accountName"`
		Password    string   `json:"password"`
		TrustTokens []string `json:"trustTokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, serviceError("-20000", "malformed request"))
		return
	}

	p.mu.Lock()
	acct := p.accounts[normalize(req.AccountName)]
	p.mu.Unlock()
	if acct == nil {
		writeJSON(w, http.StatusUnauthorized, serviceError("-20101", "Your Apple ID or password was incorrect."))
		return
	}
	if ok, err := verifyPassword(req.Password, acct.hash); err != nil || !ok {
		writeJSON(w, http.StatusUnauthorized, serviceError("-20101", "Your Apple ID or password was incorrect."))
		return
	}

	trusted := !acct.twoFactor || p.trusted(acct, req.TrustTokens)
	sid := uuid.NewString()
	pa := &pendingAuth{
		account:  acct.username,
		scnt:     uuid.NewString(),
		aasp:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		verified: trusted,
	}
	token, err := p.tokens.issue(tokenClaims{Account: acct.username, SessionID: sid, Kind: kindSession, Verified: trusted}, sessionTokenTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	p.mu.Lock()
	p.pending[sid] = pa
	p.mu.Unlock()

	w.Header().Set("X-Apple-Session-Token", token)
	w.Header().Set("X-Apple-ID-Session-Id", sid)
	w.Header().Set("scnt", pa.scnt)
	http.SetCookie(w, &http.Cookie{Name: authCookie, Value: pa.aasp, Path: "/", Domain: "apple.com", MaxAge: 600, Secure: true, HttpOnly: true})

	authType := "sa"
	if acct.twoFactor {
		authType = "hsa2"
	}
	status := http.StatusOK
	if !trusted {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"authType": authType})
}

func (p *Provider) trusted(acct *account, tokens []string) bool {
	for _, raw := range tokens {
		claims, err := p.tokens.parse(raw, kindTrust)
		if err == nil && claims.Account == acct.username {
			return true
		}
	}
	return false
}

// challenge resolves the pending sign-in addressed by the auth headers and
// the sign-in cookie.
func (p *Provider) challenge(r *http.Request) (string, *pendingAuth, bool) {
	sid := r.Header.Get("X-Apple-ID-Session-Id")
	p.mu.Lock()
	pa := p.pending[sid]
	p.mu.Unlock()
	if pa == nil || r.Header.Get("scnt") != pa.scnt {
		return "", nil, false
	}
	c, err := r.Cookie(authCookie)
	if err != nil || c.Value != pa.aasp {
		return "", nil, false
	}
	return sid, pa, true
}

func (p *Provider) handleSecurityCode(w http.ResponseWriter, r *http.Request) {
	_, pa, ok := p.challenge(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, serviceError("-20214", "no pending verification"))
		return
	}
	var req struct {
		SecurityCode struct {
			Code string `json:"code"`
		} `json:"securityCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, serviceError("-20000", "malformed request"))
		return
	}

	p.mu.Lock()
	acct := p.accounts[pa.account]
	p.mu.Unlock()
	valid, err := totp.ValidateCustom(req.SecurityCode.Code, acct.secret, p.opts.Now(), codeOpts)
	if err != nil || !valid {
		writeJSON(w, http.StatusBadRequest, serviceError("-21669", "Incorrect verification code."))
		return
	}

	p.mu.Lock()
	pa.verified = true
	pa.scnt = uuid.NewString()
	scnt := pa.scnt
	p.mu.Unlock()

	w.Header().Set("scnt", scnt)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Provider) handleTrust(w http.ResponseWriter, r *http.Request) {
	sid, pa, ok := p.challenge(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, serviceError("-20214", "no pending verification"))
		return
	}
	p.mu.Lock()
	verified := pa.verified
	p.mu.Unlock()
	if !verified {
		writeJSON(w, http.StatusUnauthorized, serviceError("-20215", "verification required"))
		return
	}

	token, err := p.tokens.issue(tokenClaims{Account: pa.account, SessionID: sid, Kind: kindSession, Verified: true}, sessionTokenTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	trust, err := p.tokens.issue(tokenClaims{Account: pa.account, Kind: kindTrust}, trustTokenTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Apple-Session-Token", token)
	w.Header().Set("X-Apple-TwoSV-Trust-Token", trust)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Provider) handleAccountLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DSWebAuthToken string  `json:"dsWebAuthToken"`
		ExtendedLogin  bool    `json:"extended_login"`
		TrustToken     *string `json:"trustToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, serviceError("-20000", "malformed request"))
		return
	}
	claims, err := p.tokens.parse(req.DSWebAuthToken, kindSession)
	if err != nil {
		writeJSON(w, http.StatusMisdirectedRequest, serviceError("-20000", "session token rejected"))
		return
	}

	p.mu.Lock()
	acct := p.accounts[claims.Account]
	base := p.baseURL
	p.mu.Unlock()
	if acct == nil || (acct.twoFactor && !claims.Verified) {
		writeJSON(w, http.StatusMisdirectedRequest, serviceError("-20000", "session not verified"))
		return
	}
	if req.TrustToken != nil {
		trust, err := p.tokens.parse(*req.TrustToken, kindTrust)
		if err != nil || trust.Account != acct.username {
			writeJSON(w, http.StatusBadRequest, serviceError("-20000", "trust token rejected"))
			return
		}
	}

	webToken := "v=2:t=" + strings.ReplaceAll(uuid.NewString(), "-", "")
	p.mu.Lock()
	p.webTokens[webToken] = acct.dsid
	p.mu.Unlock()

	maxAge := int(p.opts.CookieTTL / time.Second)
	http.SetCookie(w, &http.Cookie{Name: webAuthTokenCookie, Value: webToken, Path: "/", Domain: "icloud.com", MaxAge: maxAge, Secure: true, HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: webAuthUserCookie, Value: "v=1:s=0:d=" + acct.dsid, Path: "/", Domain: "icloud.com", MaxAge: maxAge, Secure: true})
	// The marker carries no expiry worth honouring; the provider sends it
	// already expired.
	w.Header().Add("Set-Cookie", hsaLoginCookie+"=; Expires=Thu, 01 Jan 1970 00:00:01 GMT; Path=/; Domain=icloud.com; Secure; HttpOnly")
	if req.TrustToken != nil {
		http.SetCookie(w, &http.Cookie{Name: hsaTrustCookie, Value: strings.ReplaceAll(uuid.NewString(), "-", ""), Path: "/", Domain: "icloud.com", MaxAge: maxAge, Secure: true, HttpOnly: true})
	}

	body := map[string]any{
		"isExtendedLogin":   req.ExtendedLogin,
		"hsaTrustedBrowser": claims.Verified,
		"webservices": map[string]any{
			"push":         map[string]any{"url": base, "status": "active"},
			"ckdatabasews": map[string]any{"url": base, "pcsRequired": true, "status": "active"},
		},
	}
	if !p.opts.OmitDSID {
		body["dsInfo"] = map[string]any{
			"dsid":    acct.dsid,
			"appleId": acct.username,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

/*
====================================
PUSH
====================================
*/

// pushAuth checks the web auth cookie and the client query parameters.
func (p *Provider) pushAuth(w http.ResponseWriter, r *http.Request) bool {
	q := r.URL.Query()
	c, err := r.Cookie(webAuthTokenCookie)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": 1, "reason": "missing web auth cookie"})
		return false
	}
	p.mu.Lock()
	dsid, ok := p.webTokens[c.Value]
	p.mu.Unlock()
	if !ok || q.Get("dsid") != dsid || q.Get("clientId") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": 1, "reason": "unknown session"})
		return false
	}
	if p.opts.PushError != 0 {
		writeJSON(w, http.StatusOK, map[string]any{"error": p.opts.PushError, "reason": "push service unavailable"})
		return false
	}
	return true
}

func (p *Provider) knownPushToken(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pushTokens[token]
	return ok
}

func (p *Provider) handleGetToken(w http.ResponseWriter, r *http.Request) {
	if !p.pushAuth(w, r) {
		return
	}
	var req struct {
		PushTopics   []string `json:"pushTopics"`
		PushTokenTTL int      `json:"pushTokenTTL"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.PushTopics) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"error": 3, "reason": "no topics"})
		return
	}
	if p.opts.OmitPushToken {
		writeJSON(w, http.StatusOK, map[string]any{"error": 0})
		return
	}

	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	p.mu.Lock()
	p.pushTokens[token] = r.URL.Query().Get("dsid")
	base := p.baseURL
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"error":         0,
		"pushToken":     token,
		"webCourierURL": base,
	})
}

func (p *Provider) handleRegisterTopics(w http.ResponseWriter, r *http.Request) {
	if !p.pushAuth(w, r) {
		return
	}
	var req struct {
		PushToken string `json:"pushToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !p.knownPushToken(req.PushToken) {
		writeJSON(w, http.StatusOK, map[string]any{"error": 2, "reason": "unknown push token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": 0})
}

func (p *Provider) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if !p.pushAuth(w, r) {
		return
	}
	var req struct {
		APNSToken       string `json:"apnsToken"`
		ClientID        string `json:"clientID"`
		APNSEnvironment string `json:"apnsEnvironment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !p.knownPushToken(req.APNSToken) || req.ClientID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"error": 2, "reason": "unknown push token"})
		return
	}
	service := mux.Vars(r)["service"]
	p.mu.Lock()
	p.devices[service]++
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (p *Provider) handleGetState(w http.ResponseWriter, r *http.Request) {
	if !p.pushAuth(w, r) {
		return
	}
	var req struct {
		PushTopics []string `json:"pushTopics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": 3, "reason": "malformed request"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"error":      0,
		"pushTopics": req.PushTopics,
		"pcsEnabled": r.URL.Query().Get("pcsEnabled") == "true",
	})
}

func (p *Provider) handleCourier(w http.ResponseWriter, r *http.Request) {
	if !p.knownPushToken(r.URL.Query().Get("tok")) {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": []any{}})
}

/*
====================================
HELPERS
====================================
*/

func serviceError(code, message string) map[string]any {
	return map[string]any{
		"serviceErrors": []map[string]string{{"code": code, "message": message}},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
