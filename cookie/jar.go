package cookie

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTrustMarker is the provider cookie that records a trusted browser
// after two-factor verification.
const DefaultTrustMarker = "X-APPLE-WEBAUTH-HSA-LOGIN"

// Jar is an ordered, name-keyed set of session cookies. Readers may run
// concurrently with each other; Merge takes the write lock.
type Jar struct {
	mu      sync.RWMutex
	order   []string
	cookies map[string]*Cookie
	markers map[string]struct{}
}

// NewJar creates an empty jar. Cookies named in trustMarkers receive
// [FlagTrustMarker] when merged.
func NewJar(trustMarkers ...string) *Jar {
	markers := make(map[string]struct{}, len(trustMarkers))
	for _, name := range trustMarkers {
		name = strings.TrimSpace(name)
		if name != "" {
			markers[name] = struct{}{}
		}
	}
	return &Jar{
		cookies: make(map[string]*Cookie),
		markers: markers,
	}
}

// Merge upserts every raw Set-Cookie header, resolving Max-Age against the
// current time. It returns the parse errors of dropped headers.
func (j *Jar) Merge(raw []string) []error {
	return j.MergeAt(raw, time.Now())
}

// MergeAt is Merge with an explicit clock.
func (j *Jar) MergeAt(raw []string, now time.Time) []error {
	var dropped []error

	j.mu.Lock()
	defer j.mu.Unlock()

	for i, header := range raw {
		c, err := Parse(header, now)
		if err != nil {
			dropped = append(dropped, fmt.Errorf("set-cookie[%d]: %w", i, err))
			continue
		}
		if _, ok := j.markers[c.Name]; ok {
			c.Flags |= FlagTrustMarker
		}
		j.upsertLocked(c)
	}
	return dropped
}

// Put stores c as-is, replacing any cookie with the same name.
func (j *Jar) Put(c Cookie) {
	if c.Name == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.markers[c.Name]; ok {
		c.Flags |= FlagTrustMarker
	}
	if _, exists := j.cookies[c.Name]; !exists {
		j.order = append(j.order, c.Name)
	}
	j.cookies[c.Name] = c.clone()
}

func (j *Jar) upsertLocked(c *Cookie) {
	existing, ok := j.cookies[c.Name]
	if !ok {
		j.order = append(j.order, c.Name)
		j.cookies[c.Name] = c
		return
	}
	existing.overlay(c)
}

// String renders the Cookie request header: name="value" pairs joined by
// "; " in first-insertion order.
func (j *Jar) String() string {
	if j == nil {
		return ""
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	var b strings.Builder
	for i, name := range j.order {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteString(`="`)
		b.WriteString(j.cookies[name].Value)
		b.WriteByte('"')
	}
	return b.String()
}

// Valid reports whether the jar can carry an established session at now.
func (j *Jar) Valid(now time.Time) bool {
	if j == nil {
		return false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	if len(j.order) == 0 {
		return false
	}
	for _, name := range j.order {
		if !j.cookies[name].ValidAt(now) {
			return false
		}
	}
	return true
}

// Len returns the number of cookies in the jar.
func (j *Jar) Len() int {
	if j == nil {
		return 0
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.order)
}

// Get returns a copy of the named cookie.
func (j *Jar) Get(name string) (Cookie, bool) {
	if j == nil {
		return Cookie{}, false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	c, ok := j.cookies[name]
	if !ok {
		return Cookie{}, false
	}
	return *c.clone(), true
}

// Cookies returns copies of all cookies in insertion order.
func (j *Jar) Cookies() []Cookie {
	if j == nil {
		return nil
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]Cookie, 0, len(j.order))
	for _, name := range j.order {
		out = append(out, *j.cookies[name].clone())
	}
	return out
}

// Clone returns a deep copy sharing no state with j.
func (j *Jar) Clone() *Jar {
	if j == nil {
		return NewJar()
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := &Jar{
		order:   append([]string(nil), j.order...),
		cookies: make(map[string]*Cookie, len(j.cookies)),
		markers: make(map[string]struct{}, len(j.markers)),
	}
	for name, c := range j.cookies {
		out.cookies[name] = c.clone()
	}
	for name := range j.markers {
		out.markers[name] = struct{}{}
	}
	return out
}
