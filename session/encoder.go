package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/MrEthical07/goICloud/identity"
)

// ErrMalformedState is returned when a persisted record cannot be decoded
// or fails validation.
var ErrMalformedState = errors.New("malformed session state")

// Encode validates s and renders it as JSON. A zero Version is written as
// [CurrentSchemaVersion].
func Encode(s *State) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil state", ErrMalformedState)
	}
	out := s.Clone()
	if out.Version == 0 {
		out.Version = CurrentSchemaVersion
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Decode parses and validates a persisted record.
func Decode(data []byte) (*State, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var s State
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after record", ErrMalformedState)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the record field by field.
func (s *State) Validate() error {
	if s.Version != CurrentSchemaVersion {
		return fmt.Errorf("%w: unsupported session schema version %d", ErrMalformedState, s.Version)
	}
	if NormalizeUsername(s.Username) == "" {
		return fmt.Errorf("%w: username is empty", ErrMalformedState)
	}
	if s.ClientID != "" && !identity.ValidID(s.ClientID) {
		return fmt.Errorf("%w: client id %q is malformed", ErrMalformedState, s.ClientID)
	}

	seen := make(map[string]struct{}, len(s.Cookies))
	for i, c := range s.Cookies {
		if c.Name == "" {
			return fmt.Errorf("%w: cookie %d has no name", ErrMalformedState, i)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate cookie %q", ErrMalformedState, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	if len(s.Cookies) > 0 && s.Tokens.SessionToken == "" {
		return fmt.Errorf("%w: cookies present without a session token", ErrMalformedState)
	}

	if s.Push.TTL < 0 {
		return fmt.Errorf("%w: negative push ttl", ErrMalformedState)
	}
	for i, topic := range s.Push.Topics {
		if topic == "" {
			return fmt.Errorf("%w: push topic %d is empty", ErrMalformedState, i)
		}
	}
	if len(s.Push.RegisteredServices) > 0 && s.Push.Token == "" {
		return fmt.Errorf("%w: registered services without a push token", ErrMalformedState)
	}

	for i := 1; i < len(s.LoginHistory); i++ {
		if s.LoginHistory[i].Before(s.LoginHistory[i-1]) {
			return fmt.Errorf("%w: login history is not ordered", ErrMalformedState)
		}
	}
	return nil
}
