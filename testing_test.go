package goICloud

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrEthical07/goICloud/internal/stub"
	"github.com/MrEthical07/goICloud/transport"
)

const (
	testUser     = "user@example.com"
	testPassword = "correct-password-123"
	testDSID     = "42"
)

type harness struct {
	provider *stub.Provider
	srv      *httptest.Server
	cfg      Config
}

func newHarness(t *testing.T, opts stub.Options, accounts ...stub.Account) *harness {
	t.Helper()
	if len(accounts) == 0 {
		accounts = []stub.Account{{Username: testUser, Password: testPassword, DSID: testDSID}}
	}
	p, err := stub.New(opts, accounts...)
	if err != nil {
		t.Fatalf("stub.New: %v", err)
	}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	p.SetBaseURL(srv.URL)

	cfg := DefaultConfig()
	cfg.Provider = stub.Endpoints(srv.URL)
	cfg.Transport.RateLimit = 0
	cfg.Transport.MaxRetries = 0
	cfg.Transport.Timeout = 5 * time.Second
	cfg.Metrics.EnableLatencyHistograms = true

	return &harness{provider: p, srv: srv, cfg: cfg}
}

func (h *harness) doer() transport.Doer {
	return transport.NewHTTPDoer(transport.HTTPOptions{
		Client:  h.srv.Client(),
		Timeout: 5 * time.Second,
	})
}

// build returns a session and its event sink. Options run on the Builder
// before Build.
func (h *harness) build(t *testing.T, opts ...func(*Builder)) (*Session, *ChannelSink) {
	t.Helper()
	sink := NewChannelSink(64)
	b := New().
		WithConfig(h.cfg).
		WithDoer(h.doer()).
		WithEventSink(sink)
	for _, opt := range opts {
		opt(b)
	}
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(s.Close)
	return s, sink
}

func withCredentials(username, password string) func(*Builder) {
	return func(b *Builder) { b.WithCredentials(username, password) }
}

func withClockOffset(d time.Duration) func(*Builder) {
	return func(b *Builder) {
		b.WithClock(func() time.Time { return time.Now().Add(d) })
	}
}

func nextEvent(t *testing.T, sink *ChannelSink) Event {
	t.Helper()
	select {
	case ev := <-sink.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectEvent(t *testing.T, sink *ChannelSink, typ EventType) Event {
	t.Helper()
	ev := nextEvent(t, sink)
	if ev.Type != typ {
		t.Fatalf("expected %s event, got %s (%s)", typ, ev.Type, ev.Message)
	}
	return ev
}

func noEvent(t *testing.T, sink *ChannelSink) {
	t.Helper()
	select {
	case ev := <-sink.Events():
		t.Fatalf("unexpected %s event", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// login builds a session for testUser and completes a login without
// two-factor verification.
func (h *harness) login(t *testing.T, opts ...func(*Builder)) (*Session, *ChannelSink) {
	t.Helper()
	opts = append([]func(*Builder){withCredentials(testUser, testPassword)}, opts...)
	s, sink := h.build(t, opts...)
	if err := s.Prepare(context.Background(), nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	expectEvent(t, sink, EventReady)
	return s, sink
}

// offlineDoer fails the test when any request is made.
func offlineDoer(t *testing.T) transport.Doer {
	return transport.DoerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
		return nil, transport.ErrTransport
	})
}

// challengeCookies renders the committed challenge jar, or "" without one.
func challengeCookies(s *Session) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.challenge == nil {
		return ""
	}
	return s.data.challenge.jar.String()
}
