package cookie

import "time"

// State is the serializable form of a Cookie.
type State struct {
	Name        string     `json:"name"`
	Value       string     `json:"value"`
	Expires     *time.Time `json:"expires,omitempty"`
	Domain      string     `json:"domain,omitempty"`
	Path        string     `json:"path,omitempty"`
	Secure      bool       `json:"secure,omitempty"`
	HTTPOnly    bool       `json:"http_only,omitempty"`
	TrustMarker bool       `json:"trust_marker,omitempty"`
}

// States returns the jar contents in insertion order.
func (j *Jar) States() []State {
	cookies := j.Cookies()
	out := make([]State, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, State{
			Name:        c.Name,
			Value:       c.Value,
			Expires:     c.Expires,
			Domain:      c.Domain,
			Path:        c.Path,
			Secure:      c.Secure,
			HTTPOnly:    c.HTTPOnly,
			TrustMarker: c.Has(FlagTrustMarker),
		})
	}
	return out
}

// FromStates rebuilds a jar from persisted cookies. Later entries replace
// earlier ones with the same name.
func FromStates(states []State, trustMarkers ...string) *Jar {
	j := NewJar(trustMarkers...)
	for _, s := range states {
		c := Cookie{
			Name:     s.Name,
			Value:    s.Value,
			Domain:   s.Domain,
			Path:     s.Path,
			Secure:   s.Secure,
			HTTPOnly: s.HTTPOnly,
		}
		if s.Expires != nil {
			exp := s.Expires.UTC()
			c.Expires = &exp
		}
		if s.TrustMarker {
			c.Flags |= FlagTrustMarker
		}
		j.Put(c)
	}
	return j
}
