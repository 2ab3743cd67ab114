package goICloud

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/goICloud/identity"
	"github.com/MrEthical07/goICloud/internal/logattr"
	"github.com/MrEthical07/goICloud/push"
	"github.com/MrEthical07/goICloud/transport"
)

// Builder assembles a [Session]. Each Builder builds at most once.
type Builder struct {
	config   Config
	username string
	password string

	doer   transport.Doer
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time

	built bool
}

// New returns a Builder holding DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the configuration. cfg is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithCredentials supplies the account used by Prepare when the persisted
// session cannot be resumed. The password is held in memory only.
func (b *Builder) WithCredentials(username, password string) *Builder {
	b.username = username
	b.password = password
	return b
}

// WithDoer injects the HTTP collaborator. Without one, Build creates a
// [transport.HTTPDoer] from Config.Transport.
func (b *Builder) WithDoer(d transport.Doer) *Builder {
	b.doer = d
	return b
}

// WithEventSink sets the receiver of lifecycle events.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.sink = sink
	return b
}

// WithLogger sets the structured logger. The default discards.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides the clock used for validity checks and history.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and returns an unauthenticated
// Session.
func (b *Builder) Build() (*Session, error) {
	if b.built {
		return nil, errors.New("goICloud: builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("goICloud: invalid config: %w", err)
	}

	cfg := cloneConfig(b.config)
	log := b.logger
	if log == nil {
		log = logattr.Discard()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	doer := b.doer
	if doer == nil {
		opts := cfg.httpOptions()
		opts.Logger = log
		doer = transport.NewHTTPDoer(opts)
	}

	ident := identity.New(cfg.Client)
	rb, err := transport.NewBuilder(cfg.Provider, ident)
	if err != nil {
		return nil, fmt.Errorf("goICloud: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		doer:    doer,
		log:     log.With(logattr.Component("session")),
		events:  newEventDispatcher(cfg.Events, b.sink),
		metrics: NewMetrics(cfg.Metrics),
		now:     now,
		state:   StateUnauthenticated,
		data: &sessionData{
			username: b.username,
			password: b.password,
			ident:    ident,
			builder:  rb,
			jar:      newJar(cfg),
			account:  nil,
			push:     push.NewState(cfg.Push.Topics, cfg.Push.TTL),
		},
	}

	b.built = true
	return s, nil
}
