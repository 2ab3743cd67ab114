package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrEthical07/goICloud/identity"
)

const (
	DefaultAuthURL    = "https://idmsa.apple.com"
	DefaultSetupURL   = "https://setup.icloud.com"
	DefaultOrigin     = "https://www.icloud.com"
	DefaultCourierURL = "https://webcourier.push.apple.com"

	pathSignIn        = "/appleauth/auth/signin"
	pathSecurityCode  = "/appleauth/auth/verify/trusteddevice/securitycode"
	pathTrust         = "/appleauth/auth/2sv/trust"
	pathAccountLogin  = "/setup/ws/1/accountLogin"
	pathPushGetToken  = "/getToken"
	pathPushTopics    = "/registerTopics"
	pathPushGetState  = "/getState"
	pathCourier       = "/aps"
	apnsEnvironment   = "production"
	authAcceptHeader  = "application/json, text/javascript, */*; q=0.01"
	jsonContentType   = "application/json"
	plainContentType  = "text/plain"
	requestedWithHTTP = "XMLHttpRequest"
)

// ErrInvalidTarget is returned when a service URL cannot be used to build a
// request.
var ErrInvalidTarget = errors.New("invalid service target")

// Endpoints are the provider base URLs.
type Endpoints struct {
	Auth    string `toml:"auth_url" env:"AUTH_URL"`
	Setup   string `toml:"setup_url" env:"SETUP_URL"`
	Origin  string `toml:"origin" env:"ORIGIN"`
	Courier string `toml:"courier_url" env:"COURIER_URL"`
}

// DefaultEndpoints returns the production provider endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Auth:    DefaultAuthURL,
		Setup:   DefaultSetupURL,
		Origin:  DefaultOrigin,
		Courier: DefaultCourierURL,
	}
}

// Auth carries the continuation values of an in-flight sign-in.
type Auth struct {
	Cookie    string
	SessionID string
	Scnt      string
}

// PushTarget addresses the account's push service.
type PushTarget struct {
	URL  string
	DSID string
}

// Builder assembles provider requests. It is immutable after construction
// and safe for concurrent use.
type Builder struct {
	auth    *url.URL
	setup   *url.URL
	origin  string
	courier *url.URL
	ident   *identity.Identity
}

// NewBuilder validates the endpoints and binds them to ident.
func NewBuilder(ep Endpoints, ident *identity.Identity) (*Builder, error) {
	if ident == nil {
		return nil, errors.New("transport: identity is required")
	}
	auth, err := parseBase("auth", ep.Auth)
	if err != nil {
		return nil, err
	}
	setup, err := parseBase("setup", ep.Setup)
	if err != nil {
		return nil, err
	}
	courier, err := parseBase("courier", ep.Courier)
	if err != nil {
		return nil, err
	}
	origin, err := parseBase("origin", ep.Origin)
	if err != nil {
		return nil, err
	}
	return &Builder{
		auth:    auth,
		setup:   setup,
		origin:  strings.TrimSuffix(origin.String(), "/"),
		courier: courier,
		ident:   ident,
	}, nil
}

func parseBase(name, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("transport: %s endpoint: %v", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("transport: %s endpoint %q must be an absolute http(s) URL", name, raw)
	}
	return u, nil
}

// Identity returns the client identity requests are built for.
func (b *Builder) Identity() *identity.Identity {
	return b.ident
}

// SignIn builds the credential exchange request. trustTokens lets a device
// that already completed two-factor verification skip the challenge.
func (b *Builder) SignIn(account, password string, trustTokens []string) (*Request, error) {
	if trustTokens == nil {
		trustTokens = []string{}
	}
	body := map[string]any{
		"accountName": account,
		"password":    password,
		"rememberMe":  true,
		"trustTokens": trustTokens,
	}
	return b.authRequest(pathSignIn, Auth{}, body)
}

// VerifySecurityCode builds the trusted-device code verification request.
func (b *Builder) VerifySecurityCode(auth Auth, code string) (*Request, error) {
	body := map[string]any{
		"securityCode": map[string]string{"code": code},
	}
	return b.authRequest(pathSecurityCode, auth, body)
}

// Trust builds the request that marks this device as trusted.
func (b *Builder) Trust(auth Auth) (*Request, error) {
	return b.authRequest(pathTrust, auth, nil)
}

// AccountLogin builds the account login request. An empty trustToken is
// sent as null.
func (b *Builder) AccountLogin(sessionToken, trustToken string) (*Request, error) {
	var trust any
	if trustToken != "" {
		trust = trustToken
	}
	body := map[string]any{
		"dsWebAuthToken": sessionToken,
		"extended_login": true,
		"trustToken":     trust,
	}
	u := b.serviceURL(b.setup, pathAccountLogin, "")
	return b.webRequest(http.MethodPost, u, "", body)
}

// PushGetToken builds the push token acquisition request.
func (b *Builder) PushGetToken(target PushTarget, cookie string, topics []string, ttl int) (*Request, error) {
	u, err := b.pushURL(target, pathPushGetToken, true)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"pushTopics":   nonNil(topics),
		"pushTokenTTL": ttl,
	}
	return b.webRequest(http.MethodPost, u, cookie, body)
}

// PushRegisterTopics builds the topic registration request for token.
func (b *Builder) PushRegisterTopics(target PushTarget, cookie, token string, topics []string, ttl int) (*Request, error) {
	u, err := b.pushURL(target, pathPushTopics, true)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"pushToken":    token,
		"pushTopics":   nonNil(topics),
		"pushTokenTTL": ttl,
	}
	return b.webRequest(http.MethodPost, u, cookie, body)
}

// PushRegisterDevice builds the per-service device registration request.
func (b *Builder) PushRegisterDevice(target PushTarget, cookie, service, token string) (*Request, error) {
	service = strings.TrimSpace(service)
	if service == "" || strings.Contains(service, "/") {
		return nil, fmt.Errorf("%w: service name %q", ErrInvalidTarget, service)
	}
	u, err := b.pushURL(target, "/device/1/"+url.PathEscape(service)+"/"+apnsEnvironment+"/tokens/register", false)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"apnsToken":       token,
		"clientID":        b.ident.ClientID(),
		"apnsEnvironment": apnsEnvironment,
	}
	return b.webRequest(http.MethodPost, u, cookie, body)
}

// PushGetState builds the push state query.
func (b *Builder) PushGetState(target PushTarget, cookie string, topics []string) (*Request, error) {
	u, err := b.pushURL(target, pathPushGetState, true)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("pcsEnabled", "true")
	u.RawQuery = q.Encode()
	body := map[string]any{
		"pushTopics": nonNil(topics),
	}
	return b.webRequest(http.MethodPost, u, cookie, body)
}

// CourierPoll builds the long-poll request on the web courier. An empty
// courierURL falls back to the configured courier endpoint.
func (b *Builder) CourierPoll(courierURL, token string, ttl int) (*Request, error) {
	base := b.courier
	if courierURL != "" {
		u, err := parseBase("courier", courierURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		base = u
	}
	u := joinURL(base, pathCourier)
	q := url.Values{}
	q.Set("tok", token)
	q.Set("ttl", strconv.Itoa(ttl))
	u.RawQuery = q.Encode()
	return b.webRequest(http.MethodGet, u, "", nil)
}

func (b *Builder) pushURL(target PushTarget, path string, attempt bool) (*url.URL, error) {
	if strings.TrimSpace(target.URL) == "" {
		return nil, fmt.Errorf("%w: push service URL is empty", ErrInvalidTarget)
	}
	if _, err := strconv.ParseUint(target.DSID, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: account id %q is not numeric", ErrInvalidTarget, target.DSID)
	}
	base, err := parseBase("push", target.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	u := b.serviceURL(base, path, target.DSID)
	if attempt {
		q := u.Query()
		q.Set("attempt", "1")
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// joinURL appends path to base. The result is always rooted, also for a
// base without a path.
func joinURL(base *url.URL, path string) *url.URL {
	u := base.JoinPath(path)
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
		if u.RawPath != "" {
			u.RawPath = "/" + u.RawPath
		}
	}
	return u
}

// serviceURL joins path onto base and adds the client query parameters.
func (b *Builder) serviceURL(base *url.URL, path, dsid string) *url.URL {
	u := joinURL(base, path)
	settings := b.ident.Settings()
	q := u.Query()
	q.Set("clientBuildNumber", settings.BuildNumber)
	q.Set("clientId", b.ident.ClientID())
	q.Set("clientMasteringNumber", settings.MasteringNumber)
	if dsid != "" {
		q.Set("dsid", dsid)
	}
	u.RawQuery = q.Encode()
	return u
}

func (b *Builder) authRequest(path string, auth Auth, body any) (*Request, error) {
	settings := b.ident.Settings()
	u := b.serviceURL(b.auth, path, "")

	referer := joinURL(b.auth, pathSignIn)
	rq := url.Values{}
	rq.Set("widgetKey", settings.WidgetKey)
	rq.Set("locale", settings.Locale)
	rq.Set("font", "sf")
	referer.RawQuery = rq.Encode()

	h := make(http.Header)
	h.Set("Accept", authAcceptHeader)
	h.Set("Accept-Language", settings.Language)
	h.Set("Content-Type", jsonContentType)
	h.Set("Origin", strings.TrimSuffix(b.auth.String(), "/"))
	h.Set("Referer", referer.String())
	h.Set("User-Agent", settings.UserAgent)
	h.Set("X-Requested-With", requestedWithHTTP)
	h.Set("X-Apple-Widget-Key", settings.WidgetKey)
	h.Set("X-Apple-I-FD-Client-Info", b.ident.ClientInfo())
	if auth.SessionID != "" {
		h.Set("X-Apple-ID-Session-Id", auth.SessionID)
	}
	if auth.Scnt != "" {
		h.Set("scnt", auth.Scnt)
	}
	if auth.Cookie != "" {
		h.Set("Cookie", auth.Cookie)
	}
	return newRequest(http.MethodPost, u, h, body)
}

func (b *Builder) webRequest(method string, u *url.URL, cookie string, body any) (*Request, error) {
	settings := b.ident.Settings()
	h := make(http.Header)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", settings.Language)
	h.Set("Content-Type", plainContentType)
	h.Set("Origin", b.origin)
	h.Set("Referer", b.origin+"/")
	h.Set("User-Agent", settings.UserAgent)
	h.Set("X-Requested-With", requestedWithHTTP)
	if cookie != "" {
		h.Set("Cookie", cookie)
	}
	return newRequest(method, u, h, body)
}

func newRequest(method string, u *url.URL, h http.Header, body any) (*Request, error) {
	req := &Request{Method: method, URL: u, Header: h}
	if body == nil {
		if method != http.MethodGet {
			h.Set("Content-Length", "0")
		}
		return req, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request body: %v", err)
	}
	req.Body = raw
	h.Set("Content-Length", strconv.Itoa(len(raw)))
	return req, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
