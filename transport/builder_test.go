package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/MrEthical07/goICloud/identity"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(DefaultEndpoints(), identity.New(identity.DefaultSettings()))
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	return b
}

var testTarget = PushTarget{URL: "https://p42-pushws.icloud.com", DSID: "123456789"}

func TestEveryRequestCarriesClientParameters(t *testing.T) {
	b := newTestBuilder(t)
	auth := Auth{Cookie: `A="1"`, SessionID: "sid", Scnt: "scnt-1"}

	build := map[string]func() (*Request, error){
		"signin":   func() (*Request, error) { return b.SignIn("user@example.com", "secret", nil) },
		"verify":   func() (*Request, error) { return b.VerifySecurityCode(auth, "123456") },
		"trust":    func() (*Request, error) { return b.Trust(auth) },
		"account":  func() (*Request, error) { return b.AccountLogin("tok", "") },
		"token":    func() (*Request, error) { return b.PushGetToken(testTarget, `A="1"`, []string{"t1"}, 43200) },
		"topics":   func() (*Request, error) { return b.PushRegisterTopics(testTarget, `A="1"`, "ptok", []string{"t1"}, 43200) },
		"device":   func() (*Request, error) { return b.PushRegisterDevice(testTarget, `A="1"`, "com.apple.notes", "ptok") },
		"getState": func() (*Request, error) { return b.PushGetState(testTarget, `A="1"`, []string{"t1"}) },
	}

	clientID := b.Identity().ClientID()
	for name, fn := range build {
		t.Run(name, func(t *testing.T) {
			req, err := fn()
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			q := req.URL.Query()
			if q.Get("clientBuildNumber") != identity.DefaultBuildNumber {
				t.Fatalf("clientBuildNumber = %q", q.Get("clientBuildNumber"))
			}
			if q.Get("clientMasteringNumber") != identity.DefaultMasteringNumber {
				t.Fatalf("clientMasteringNumber = %q", q.Get("clientMasteringNumber"))
			}
			if q.Get("clientId") != clientID {
				t.Fatalf("clientId = %q, want %q", q.Get("clientId"), clientID)
			}
			if req.Method != http.MethodPost {
				t.Fatalf("method = %s", req.Method)
			}
			if got := req.Header.Get("Content-Length"); got != strconv.Itoa(len(req.Body)) {
				t.Fatalf("Content-Length = %q, body is %d bytes", got, len(req.Body))
			}
		})
	}
}

func TestAuthRequestsCarryProviderHeaders(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.VerifySecurityCode(Auth{Cookie: `A="1"`, SessionID: "sid", Scnt: "scnt-1"}, "123456")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if req.URL.Path != pathSecurityCode {
		t.Fatalf("path = %q", req.URL.Path)
	}
	want := map[string]string{
		"X-Apple-Widget-Key":    identity.DefaultWidgetKey,
		"X-Apple-ID-Session-Id": "sid",
		"scnt":                  "scnt-1",
		"Cookie":                `A="1"`,
		"Content-Type":          "application/json",
	}
	for k, v := range want {
		if got := req.Header.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if !strings.HasPrefix(req.Header.Get("X-Apple-I-FD-Client-Info"), "{") {
		t.Errorf("client info header missing: %q", req.Header.Get("X-Apple-I-FD-Client-Info"))
	}

	var body struct {
		SecurityCode struct {
			Code string `json:"code"`
		} `json:"securityCode"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil || body.SecurityCode.Code != "123456" {
		t.Fatalf("unexpected body %s (%v)", req.Body, err)
	}
}

func TestSignInBody(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.SignIn("user@example.com", "secret", []string{"trust-1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["accountName"] != "user@example.com" || body["rememberMe"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
	tokens, _ := body["trustTokens"].([]any)
	if len(tokens) != 1 || tokens[0] != "trust-1" {
		t.Fatalf("trustTokens = %v", body["trustTokens"])
	}
	if req.Header.Get("X-Apple-ID-Session-Id") != "" || req.Header.Get("Cookie") != "" {
		t.Fatal("sign-in must not carry continuation headers")
	}
}

func TestAccountLoginTrustToken(t *testing.T) {
	b := newTestBuilder(t)

	plain, _ := b.AccountLogin("tok", "")
	var body map[string]any
	_ = json.Unmarshal(plain.Body, &body)
	if v, ok := body["trustToken"]; !ok || v != nil {
		t.Fatalf("plain account login trustToken = %v, want null", v)
	}
	if body["extended_login"] != true || body["dsWebAuthToken"] != "tok" {
		t.Fatalf("unexpected body: %v", body)
	}

	trusted, _ := b.AccountLogin("tok", "trust-1")
	body = nil
	_ = json.Unmarshal(trusted.Body, &body)
	if body["trustToken"] != "trust-1" {
		t.Fatalf("trustToken = %v", body["trustToken"])
	}
}

func TestPushURLs(t *testing.T) {
	b := newTestBuilder(t)

	tok, _ := b.PushGetToken(testTarget, "", nil, 43200)
	if tok.URL.Query().Get("attempt") != "1" || tok.URL.Query().Get("dsid") != testTarget.DSID {
		t.Fatalf("getToken query = %s", tok.URL.RawQuery)
	}

	dev, _ := b.PushRegisterDevice(testTarget, "", "com.apple.notes", "ptok")
	if dev.URL.Path != "/device/1/com.apple.notes/production/tokens/register" {
		t.Fatalf("device path = %q", dev.URL.Path)
	}
	if dev.URL.Query().Has("attempt") {
		t.Fatal("device registration must not carry attempt")
	}
	var body map[string]string
	_ = json.Unmarshal(dev.Body, &body)
	if body["apnsToken"] != "ptok" || body["clientID"] != b.Identity().ClientID() || body["apnsEnvironment"] != "production" {
		t.Fatalf("unexpected device body: %v", body)
	}

	state, _ := b.PushGetState(testTarget, "", nil)
	if state.URL.Query().Get("pcsEnabled") != "true" {
		t.Fatalf("getState query = %s", state.URL.RawQuery)
	}
}

func TestPushTargetValidation(t *testing.T) {
	b := newTestBuilder(t)
	cases := []PushTarget{
		{URL: "", DSID: "1"},
		{URL: "https://push.example.com", DSID: ""},
		{URL: "https://push.example.com", DSID: "abc"},
		{URL: "not a url", DSID: "1"},
	}
	for _, target := range cases {
		if _, err := b.PushGetToken(target, "", nil, 1); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("target %+v: err = %v, want ErrInvalidTarget", target, err)
		}
	}
	if _, err := b.PushRegisterDevice(testTarget, "", "a/b", "tok"); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("service with slash: err = %v", err)
	}
}

func TestCourierPoll(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.CourierPoll("", "ptok", 43200)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Method != http.MethodGet || req.URL.Host != "webcourier.push.apple.com" || req.URL.Path != "/aps" {
		t.Fatalf("unexpected courier request %s %s", req.Method, req.URL)
	}
	if req.URL.Query().Get("tok") != "ptok" || req.URL.Query().Get("ttl") != "43200" {
		t.Fatalf("courier query = %s", req.URL.RawQuery)
	}
	if req.Body != nil {
		t.Fatal("courier poll has no body")
	}
}

func TestNewBuilderRejectsBadEndpoints(t *testing.T) {
	ep := DefaultEndpoints()
	ep.Setup = "setup.icloud.com"
	if _, err := NewBuilder(ep, identity.New(identity.DefaultSettings())); err == nil {
		t.Fatal("expected relative endpoint to be rejected")
	}
	if _, err := NewBuilder(DefaultEndpoints(), nil); err == nil {
		t.Fatal("expected nil identity to be rejected")
	}
}

func TestJoinURLIsRooted(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"https://p42-pushws.icloud.com", "getToken", "/getToken"},
		{"https://p42-pushws.icloud.com", "/getToken", "/getToken"},
		{"https://setup.icloud.com/", "setup/ws/1/accountLogin", "/setup/ws/1/accountLogin"},
		{"http://127.0.0.1:8787/stub", "aps", "/stub/aps"},
	}
	for _, tc := range cases {
		base, err := parseBase("test", tc.base)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.base, err)
		}
		if got := joinURL(base, tc.path).Path; got != tc.want {
			t.Errorf("joinURL(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}

	b := newTestBuilder(t)
	tok, err := b.PushGetToken(testTarget, "", nil, 60)
	if err != nil {
		t.Fatalf("getToken: %v", err)
	}
	if tok.URL.Path != "/getToken" {
		t.Fatalf("getToken path = %q", tok.URL.Path)
	}
}
