package goICloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goICloud/cookie"
	"github.com/MrEthical07/goICloud/identity"
	"github.com/MrEthical07/goICloud/session"
	"github.com/MrEthical07/goICloud/transport"
)

// Prepare resumes persisted (which may be nil) or falls back to a full
// login.
//
// A persisted session is resumed without any provider call when it belongs
// to the configured account and satisfies the validity predicate. Otherwise
// the configured credentials are used to log in. Without credentials
// Prepare fails with ErrSessionExpired when a stale session was supplied,
// and with ErrCredentialsRequired when there was nothing to resume; both
// emit EventCredentialsRequired. A persisted state that does not validate
// fails with ErrMalformedResponse and changes nothing.
func (s *Session) Prepare(ctx context.Context, persisted *session.State) error {
	t, err := s.begin(ctx, "prepare")
	if err != nil {
		return err
	}
	defer t.end()

	p := t.pending
	if persisted != nil {
		if err := persisted.Validate(); err != nil {
			return t.fail(ctx, fmt.Errorf("%w: %v", ErrMalformedResponse, err))
		}

		if p.username == "" || session.NormalizeUsername(p.username) == session.NormalizeUsername(persisted.Username) {
			if err := s.restore(p, persisted); err != nil {
				return t.fail(ctx, err)
			}
			now := s.now()
			if p.usable(now) {
				p.history = append(p.history, now)
				t.commit(StateAuthenticated, nil)
				s.metrics.Inc(MetricSessionResumed)
				t.emit(ctx, EventReady, StateAuthenticated, nil)
				return nil
			}
			t.log.Info("persisted session is no longer valid")
		} else {
			t.log.Warn("persisted session belongs to another account; ignoring it")
		}
	}

	if p.username != "" && p.password != "" {
		return s.login(ctx, t)
	}

	if persisted != nil {
		t.commit(StateFailed, ErrSessionExpired)
		s.metrics.Inc(MetricSessionExpired)
		t.emit(ctx, EventCredentialsRequired, StateFailed, nil)
		t.emit(ctx, EventError, StateFailed, ErrSessionExpired)
		return ErrSessionExpired
	}

	t.commit(StateAwaitingCredentials, nil)
	t.emit(ctx, EventCredentialsRequired, StateAwaitingCredentials, nil)
	return ErrCredentialsRequired
}

// PrepareFromStore loads the record of the configured account from store
// and calls Prepare with it. A missing record is the same as Prepare(ctx,
// nil).
func (s *Session) PrepareFromStore(ctx context.Context, store session.Store) error {
	username := s.Username()
	if username == "" {
		return s.Prepare(ctx, nil)
	}
	st, err := store.Load(ctx, username)
	switch {
	case errors.Is(err, session.ErrStateNotFound):
		return s.Prepare(ctx, nil)
	case errors.Is(err, session.ErrMalformedState):
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	case err != nil:
		return err
	}
	return s.Prepare(ctx, st)
}

// restore replaces the pending data with persisted. The client id is kept
// so that the provider keeps seeing the same client.
func (s *Session) restore(p *sessionData, persisted *session.State) error {
	ident := identity.Restore(s.cfg.Client, persisted.ClientID)
	rb, err := transport.NewBuilder(s.cfg.Provider, ident)
	if err != nil {
		return err
	}
	if p.username == "" {
		p.username = persisted.Username
	}
	p.ident = ident
	p.builder = rb
	p.tokens = persisted.Tokens
	p.jar = cookie.FromStates(persisted.Cookies, s.cfg.Cookies.TrustMarkerNames...)
	p.account = persisted.Account.Clone()
	p.push = persisted.Push.Clone()
	p.history = append(p.history[:0:0], persisted.LoginHistory...)
	p.challenge = nil
	return nil
}
