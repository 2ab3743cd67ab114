package cookie

import (
	"net/http"
	"time"
)

// Flag marks per-cookie behavior that is not part of the Set-Cookie syntax.
type Flag uint8

const (
	// FlagTrustMarker exempts a cookie from expiry checks. The provider sets
	// its device-trust login marker with an expiry in the past, so the expiry
	// carries no meaning for it.
	FlagTrustMarker Flag = 1 << iota
)

// Cookie is a single named session cookie.
type Cookie struct {
	Name     string
	Value    string
	Expires  *time.Time
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	Flags    Flag
}

// Has reports whether f is set on the cookie.
func (c *Cookie) Has(f Flag) bool {
	return c != nil && c.Flags&f != 0
}

// ValidAt reports whether the cookie keeps a session usable at now.
func (c *Cookie) ValidAt(now time.Time) bool {
	if c == nil {
		return false
	}
	if c.Has(FlagTrustMarker) {
		return true
	}
	return c.Expires != nil && c.Expires.After(now)
}

func (c *Cookie) clone() *Cookie {
	out := *c
	if c.Expires != nil {
		exp := *c.Expires
		out.Expires = &exp
	}
	return &out
}

// overlay copies the attributes present in next onto c.
func (c *Cookie) overlay(next *Cookie) {
	c.Value = next.Value
	if next.Expires != nil {
		exp := *next.Expires
		c.Expires = &exp
	}
	if next.Domain != "" {
		c.Domain = next.Domain
	}
	if next.Path != "" {
		c.Path = next.Path
	}
	if next.Secure {
		c.Secure = true
	}
	if next.HTTPOnly {
		c.HTTPOnly = true
	}
	c.Flags |= next.Flags
}

// Parse parses one raw Set-Cookie header into a Cookie. Max-Age is resolved
// against now and takes precedence over Expires.
func Parse(raw string, now time.Time) (*Cookie, error) {
	hc, err := http.ParseSetCookie(raw)
	if err != nil {
		return nil, err
	}

	c := &Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   hc.Domain,
		Path:     hc.Path,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}

	switch {
	case hc.MaxAge > 0:
		exp := now.Add(time.Duration(hc.MaxAge) * time.Second).UTC()
		c.Expires = &exp
	case hc.MaxAge < 0:
		exp := time.Unix(0, 0).UTC()
		c.Expires = &exp
	case !hc.Expires.IsZero():
		exp := hc.Expires.UTC()
		c.Expires = &exp
	}

	return c, nil
}
