package session

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/goICloud/cookie"
	"github.com/MrEthical07/goICloud/push"
)

// CurrentSchemaVersion is the version written by [Encode].
const CurrentSchemaVersion = 1

// Tokens are the authentication artifacts of a session.
type Tokens struct {
	SessionToken string `json:"session_token,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Scnt         string `json:"scnt,omitempty"`
	// TrustToken is set once the device completed two-factor verification.
	TrustToken string `json:"trust_token,omitempty"`
}

// Account is the provider-assigned account metadata returned by account
// login. It is free-form; accessors read the fields the engine relies on.
type Account map[string]any

// State is the persisted session record. It never holds the password.
type State struct {
	Version      int            `json:"version"`
	Username     string         `json:"username"`
	ClientID     string         `json:"client_id,omitempty"`
	Tokens       Tokens         `json:"tokens"`
	Cookies      []cookie.State `json:"cookies"`
	Account      Account        `json:"account"`
	Push         push.State     `json:"push"`
	LoginHistory []time.Time    `json:"login_history"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Cookies = make([]cookie.State, len(s.Cookies))
	for i, c := range s.Cookies {
		if c.Expires != nil {
			exp := *c.Expires
			c.Expires = &exp
		}
		out.Cookies[i] = c
	}
	out.Account = s.Account.Clone()
	out.Push = s.Push.Clone()
	out.LoginHistory = append([]time.Time(nil), s.LoginHistory...)
	return &out
}

// Clone returns a deep copy of the metadata.
func (a Account) Clone() Account {
	if a == nil {
		return nil
	}
	out := make(Account, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge assigns every top-level key of next onto a, replacing existing
// values.
func (a Account) Merge(next Account) {
	for k, v := range next {
		a[k] = cloneValue(v)
	}
}

// ServiceURL returns webservices.<name>.url.
func (a Account) ServiceURL(name string) string {
	ws, _ := a["webservices"].(map[string]any)
	svc, _ := ws[name].(map[string]any)
	u, _ := svc["url"].(string)
	return strings.TrimSpace(u)
}

// DSID returns the numeric account identifier dsInfo.dsid rendered as a
// decimal string, or "" when absent or not numeric.
func (a Account) DSID() string {
	info, _ := a["dsInfo"].(map[string]any)
	var raw string
	switch v := info["dsid"].(type) {
	case string:
		raw = v
	case json.Number:
		raw = v.String()
	case float64:
		raw = strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		raw = strconv.FormatInt(v, 10)
	case int:
		raw = strconv.Itoa(v)
	}
	if _, err := strconv.ParseUint(raw, 10, 64); err != nil {
		return ""
	}
	return raw
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Account:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// NormalizeUsername is the store key form of a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
