package goICloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrEthical07/goICloud/internal/logattr"
	"github.com/MrEthical07/goICloud/push"
)

// registerPush acquires a push token, binds the topics and registers the
// configured services. Failures are logged and counted but do not fail the
// login; only cancellation of ctx is returned.
func (s *Session) registerPush(ctx context.Context, t *transition) error {
	p := t.pending
	target := p.pushTarget()
	reg := push.NewRegistrar(p.builder, s.doer)

	p.push.Reset()
	if err := reg.AcquireToken(ctx, p.jar, target, &p.push); err != nil {
		return s.pushFailed(ctx, t, "token", "", err)
	}
	s.metrics.Inc(MetricPushTokenAcquired)

	if err := reg.RegisterTopics(ctx, p.jar, target, &p.push); err != nil {
		return s.pushFailed(ctx, t, "topics", "", err)
	}
	s.metrics.Inc(MetricPushTopicsRegistered)

	for _, svc := range s.cfg.Push.Services {
		if err := reg.RegisterDevice(ctx, p.jar, target, &p.push, svc); err != nil {
			if err := s.pushFailed(ctx, t, "device", svc, err); err != nil {
				return err
			}
			continue
		}
		s.metrics.Inc(MetricDeviceRegistered)
	}

	t.log.Debug("push registration finished",
		logattr.Count("registered_services", len(p.push.RegisteredServices)),
	)
	return nil
}

func (s *Session) pushFailed(ctx context.Context, t *transition, step, service string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.metrics.Inc(MetricPushFailure)
	t.log.Warn("push registration failed",
		slog.String("step", step),
		logattr.Service(service),
		logattr.Error(err),
	)
	return nil
}

// RegisterPushService registers the device for one more service, acquiring
// a push token first when the session has none. Registration errors are
// returned and leave the push state unchanged.
func (s *Session) RegisterPushService(ctx context.Context, service string) error {
	t, err := s.begin(ctx, "register_push")
	if err != nil {
		return err
	}
	defer t.end()

	if t.from != StateAuthenticated {
		return t.fail(ctx, ErrNotAuthenticated)
	}
	p := t.pending
	target := p.pushTarget()
	reg := push.NewRegistrar(p.builder, s.doer)

	if p.push.Token == "" {
		if err := reg.AcquireToken(ctx, p.jar, target, &p.push); err != nil {
			return t.fail(ctx, pushError(err))
		}
		s.metrics.Inc(MetricPushTokenAcquired)
		if err := reg.RegisterTopics(ctx, p.jar, target, &p.push); err != nil {
			return t.fail(ctx, pushError(err))
		}
		s.metrics.Inc(MetricPushTopicsRegistered)
	}
	if err := reg.RegisterDevice(ctx, p.jar, target, &p.push, service); err != nil {
		return t.fail(ctx, pushError(err))
	}
	s.metrics.Inc(MetricDeviceRegistered)

	t.commit(StateAuthenticated, nil)
	return nil
}

// PushState returns the provider's view of the topic subscriptions.
func (s *Session) PushState(ctx context.Context) (map[string]any, error) {
	d, err := s.authenticated()
	if err != nil {
		return nil, err
	}
	st := d.push.Clone()
	out, err := push.NewRegistrar(d.builder, s.doer).GetState(ctx, d.jar, d.pushTarget(), &st)
	if err != nil {
		return nil, pushError(err)
	}
	return out, nil
}

// PollNotifications waits on the web courier for the next notification
// batch and returns its raw payload.
func (s *Session) PollNotifications(ctx context.Context) ([]byte, error) {
	d, err := s.authenticated()
	if err != nil {
		return nil, err
	}
	st := d.push.Clone()
	body, err := push.NewRegistrar(d.builder, s.doer).PollCourier(ctx, &st)
	if err != nil {
		return nil, pushError(err)
	}
	return body, nil
}

// pushError maps registrar preconditions onto the session taxonomy.
func pushError(err error) error {
	switch {
	case errors.Is(err, push.ErrSessionInvalid):
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	case errors.Is(err, push.ErrMissingEndpoint), errors.Is(err, push.ErrMalformedResponse):
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	case errors.Is(err, push.ErrNoToken):
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	default:
		return err
	}
}
