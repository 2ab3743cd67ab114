package push

import "slices"

// DefaultTTL is the requested push token lifetime in seconds.
const DefaultTTL = 43200

// State is the push registration state of one session.
type State struct {
	Topics             []string `json:"topics"`
	Token              string   `json:"token,omitempty"`
	TTL                int      `json:"ttl"`
	CourierURL         string   `json:"courier_url,omitempty"`
	RegisteredServices []string `json:"registered_services,omitempty"`
}

// NewState returns an unregistered state for topics. A non-positive ttl
// selects [DefaultTTL].
func NewState(topics []string, ttl int) State {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return State{Topics: slices.Clone(topics), TTL: ttl}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	s.Topics = slices.Clone(s.Topics)
	s.RegisteredServices = slices.Clone(s.RegisteredServices)
	return s
}

// Registered reports whether service completed device registration.
func (s State) Registered(service string) bool {
	return slices.Contains(s.RegisteredServices, service)
}

// Reset drops the token and every registration, keeping topics and TTL.
func (s *State) Reset() {
	s.Token = ""
	s.CourierURL = ""
	s.RegisteredServices = nil
}

func (s *State) markRegistered(service string) {
	if !s.Registered(service) {
		s.RegisteredServices = append(s.RegisteredServices, service)
	}
}
