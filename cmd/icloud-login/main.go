package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	goICloud "github.com/MrEthical07/goICloud"
	"github.com/MrEthical07/goICloud/metrics/export/prometheus"
	"github.com/MrEthical07/goICloud/session"
)

const maxAttempts = 3

func main() {
	var (
		configPath = flag.String("config", "", "TOML config file")
		envFile    = flag.String("env-file", ".env", "dotenv file loaded before the environment overlay")
		username   = flag.String("username", "", "account username (default $ICLOUD_USERNAME)")
		service    = flag.String("register", "", "register the device for this push service after login")
		poll       = flag.Bool("poll", false, "long-poll the push courier once after login")
		metrics    = flag.Bool("metrics", false, "print session metrics in Prometheus format before exiting")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(2)
	}

	cfg, err := goICloud.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	user := *username
	if user == "" {
		user = os.Getenv("ICLOUD_USERNAME")
	}

	in := bufio.NewReader(os.Stdin)
	sink := goICloud.NewChannelSink(16)
	b := goICloud.New().
		WithConfig(cfg).
		WithLogger(logger).
		WithEventSink(sink)
	if user != "" {
		if pw := os.Getenv("ICLOUD_PASSWORD"); pw != "" {
			b.WithCredentials(user, pw)
		} else {
			b.WithCredentials(user, "")
		}
	}
	s, err := b.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build session: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	h := &host{s: s, in: in}
	if store != nil {
		err = s.PrepareFromStore(ctx, store)
		if errors.Is(err, goICloud.ErrMalformedResponse) {
			logger.Warn("ignoring unreadable stored session", slog.String("error", err.Error()))
			err = s.Prepare(ctx, nil)
		}
	} else {
		err = s.Prepare(ctx, nil)
	}
	if err != nil && ignoreEventErrors(err) != nil &&
		!errors.Is(err, goICloud.ErrCredentialsRequired) && !errors.Is(err, goICloud.ErrSessionExpired) {
		fmt.Fprintf(os.Stderr, "prepare: %v\n", err)
		os.Exit(1)
	}

	if err := h.run(ctx, sink); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if store != nil {
		if err := s.Persist(ctx, store); err != nil {
			fmt.Fprintf(os.Stderr, "failed to persist session: %v\n", err)
			os.Exit(1)
		}
	}
	h.summary()

	if *service != "" {
		if err := s.RegisterPushService(ctx, *service); err != nil {
			fmt.Fprintf(os.Stderr, "register %s: %v\n", *service, err)
			os.Exit(1)
		}
		fmt.Printf("registered push service %s\n", *service)
		if store != nil {
			_ = s.Persist(ctx, store)
		}
	}
	if *poll {
		body, err := s.PollNotifications(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "poll: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("courier: %s\n", strings.TrimSpace(string(body)))
	}
	if *metrics {
		fmt.Print(prometheus.NewExporter(s).Render())
	}
}

type host struct {
	s        *goICloud.Session
	in       *bufio.Reader
	attempts int
}

// run answers session events until the session is ready or gives up.
func (h *host) run(ctx context.Context, sink *goICloud.ChannelSink) error {
	if h.s.State() == goICloud.StateAuthenticated {
		return nil
	}
	for {
		var ev goICloud.Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev = <-sink.Events():
		}

		switch ev.Type {
		case goICloud.EventReady:
			return nil

		case goICloud.EventCredentialsRequired:
			if err := h.login(ctx); err != nil {
				return err
			}

		case goICloud.EventTwoFactorRequired:
			fmt.Printf("a verification code was sent to the trusted devices of %s\n", ev.Username)
			if err := h.enterCode(ctx); err != nil {
				return err
			}

		case goICloud.EventError:
			fmt.Fprintf(os.Stderr, "error (%s): %s\n", ev.Kind, ev.Message)
			if err := h.handleError(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (h *host) handleError(ctx context.Context, ev goICloud.Event) error {
	h.attempts++
	if h.attempts > maxAttempts {
		return errors.New("too many failed attempts")
	}
	switch ev.Kind {
	case goICloud.KindSessionInvalid:
		// Followed by a credentials request or answered by one already.
		h.attempts--
		return nil
	case goICloud.KindTwoFactor:
		if h.s.State() == goICloud.StateAwaitingTwoFactorCode {
			return h.enterCode(ctx)
		}
	case goICloud.KindAuth:
		return h.login(ctx)
	}
	return fmt.Errorf("login failed: %s", ev.Message)
}

func (h *host) login(ctx context.Context) error {
	user := h.s.Username()
	if user == "" {
		var err error
		if user, err = h.prompt("Apple ID: "); err != nil {
			return err
		}
	}
	pw, err := h.secret(fmt.Sprintf("password for %s: ", user))
	if err != nil {
		return err
	}
	if user == "" || pw == "" {
		// Rejected before any event is emitted.
		return errors.New("username and password are required")
	}
	// Failures are reported through error events.
	return ignoreEventErrors(h.s.Login(ctx, user, pw))
}

func (h *host) enterCode(ctx context.Context) error {
	code, err := h.prompt("verification code: ")
	if err != nil {
		return err
	}
	return ignoreEventErrors(h.s.EnterTwoFactorCode(ctx, code))
}

func (h *host) prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := h.in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (h *host) secret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return h.prompt(label)
	}
	fmt.Print(label)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func (h *host) summary() {
	dsid, _ := h.s.DSID()
	fmt.Printf("authenticated as %s (dsid %s, client %s)\n", h.s.Username(), dsid, h.s.ClientID())
	if url, err := h.s.ServiceURL("ckdatabasews"); err == nil {
		fmt.Printf("ckdatabasews: %s\n", url)
	}
	p := h.s.Push()
	if p.Token != "" {
		fmt.Printf("push token acquired, %d topics, %d registered services\n", len(p.Topics), len(p.RegisteredServices))
	}
	m := h.s.Metrics()
	fmt.Printf("logins: %d ok / %d failed, resumed: %d\n",
		m.Counters[goICloud.MetricLoginSuccess], m.Counters[goICloud.MetricLoginFailure], m.Counters[goICloud.MetricSessionResumed])
}

// ignoreEventErrors keeps only errors no event reports.
func ignoreEventErrors(err error) error {
	switch goICloud.KindOf(err) {
	case goICloud.KindNone, goICloud.KindAuth, goICloud.KindTwoFactor,
		goICloud.KindSessionInvalid, goICloud.KindRegistration, goICloud.KindMalformedResponse,
		goICloud.KindTransport:
		return nil
	}
	return err
}

// openStore opens the configured store. A redis store without an address
// runs against an in-process miniredis.
func openStore(ctx context.Context, cfg goICloud.StoreConfig) (session.Store, func(), error) {
	var mr *miniredis.Miniredis
	if cfg.Driver == goICloud.StoreRedis && cfg.RedisAddr == "" {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			return nil, func() {}, fmt.Errorf("start miniredis: %w", err)
		}
		cfg.RedisAddr = mr.Addr()
		fmt.Printf("using miniredis at %s\n", cfg.RedisAddr)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, closeFn, err := goICloud.OpenStore(ctx, cfg)
	cleanup := func() {
		_ = closeFn()
		if mr != nil {
			mr.Close()
		}
	}
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return store, cleanup, nil
}
