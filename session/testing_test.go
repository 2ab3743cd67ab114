package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/MrEthical07/goICloud/cookie"
	"github.com/MrEthical07/goICloud/push"
)

func testState(t *testing.T) *State {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	epoch := time.Unix(0, 0).UTC()
	return &State{
		Version:  CurrentSchemaVersion,
		Username: "user@example.com",
		ClientID: "0A1B2C3D-4E5F-6071-8293-A4B5C6D7E8F9",
		Tokens: Tokens{
			SessionToken: "session-token",
			SessionID:    "sid",
			Scnt:         "scnt",
			TrustToken:   "trust",
		},
		Cookies: []cookie.State{
			{Name: "X-APPLE-WEBAUTH-TOKEN", Value: "v", Expires: &exp, Domain: ".icloud.com", Path: "/", Secure: true},
			{Name: cookie.DefaultTrustMarker, Value: "1", Expires: &epoch, TrustMarker: true},
		},
		Account: Account{
			"dsInfo": map[string]any{"dsid": json.Number("8000")},
			"webservices": map[string]any{
				"push": map[string]any{"url": "https://p42-pushws.icloud.com"},
			},
		},
		Push: push.State{
			Topics:             []string{"t1"},
			Token:              "ptok",
			TTL:                push.DefaultTTL,
			RegisteredServices: []string{"com.apple.notes"},
		},
		LoginHistory: []time.Time{now.Add(-time.Hour), now},
		UpdatedAt:    now,
	}
}
