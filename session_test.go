package goICloud

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goICloud/apps"
	"github.com/MrEthical07/goICloud/internal/stub"
	"github.com/MrEthical07/goICloud/push"
	"github.com/MrEthical07/goICloud/session"
	"github.com/MrEthical07/goICloud/transport"
)

func TestFreshLoginWithoutTwoFactor(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, sink := h.login(t)

	if s.State() != StateAuthenticated {
		t.Fatalf("state = %s", s.State())
	}
	cookies, err := s.CookieString()
	if err != nil || !strings.Contains(cookies, "X-APPLE-WEBAUTH-TOKEN=") {
		t.Fatalf("CookieString = %q, %v", cookies, err)
	}
	if strings.Contains(cookies, "aasp=") {
		t.Fatal("sign-in cookie leaked into the session jar")
	}
	if dsid, err := s.DSID(); err != nil || dsid != testDSID {
		t.Fatalf("DSID = %q, %v", dsid, err)
	}
	if u, err := s.ServiceURL("ckdatabasews"); err != nil || u != h.srv.URL {
		t.Fatalf("ServiceURL = %q, %v", u, err)
	}
	if _, err := s.ServiceURL("nope"); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse for unknown service, got %v", err)
	}

	ps := s.Push()
	if ps.Token == "" {
		t.Fatal("push token not acquired")
	}
	for _, svc := range apps.DeviceServices() {
		if !ps.Registered(svc) {
			t.Fatalf("service %s not registered", svc)
		}
		if h.provider.DeviceRegistrations(svc) != 1 {
			t.Fatalf("provider saw %d registrations for %s", h.provider.DeviceRegistrations(svc), svc)
		}
	}
	if len(s.LoginHistory()) != 1 {
		t.Fatalf("history = %v", s.LoginHistory())
	}
	if got := s.Metrics().Counters[MetricLoginSuccess]; got != 1 {
		t.Fatalf("login success counter = %d", got)
	}
	if got := h.provider.Calls(stub.RouteSecurityCode); got != 0 {
		t.Fatalf("security code calls = %d", got)
	}
	noEvent(t, sink)
}

func TestTwoFactorFlow(t *testing.T) {
	h := newHarness(t, stub.Options{}, stub.Account{Username: testUser, Password: testPassword, DSID: testDSID, TwoFactor: true})
	s, sink := h.build(t, withCredentials(testUser, testPassword))
	ctx := context.Background()

	if err := s.Prepare(ctx, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if s.State() != StateAwaitingTwoFactorCode {
		t.Fatalf("state = %s", s.State())
	}
	ev := expectEvent(t, sink, EventTwoFactorRequired)
	if ev.Username != testUser || ev.Password != testPassword {
		t.Fatalf("event carries %q/%q", ev.Username, ev.Password)
	}
	if _, err := s.CookieString(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if got := h.provider.Calls(stub.RouteAccountLogin); got != 0 {
		t.Fatalf("account login ran before verification: %d", got)
	}

	cookiesBefore := s.Snapshot().Cookies
	challengeBefore := challengeCookies(s)
	if challengeBefore == "" {
		t.Fatal("sign-in cookies missing from the challenge jar")
	}

	err := s.EnterTwoFactorCode(ctx, "abcdef")
	if !errors.Is(err, ErrTwoFactorRejected) {
		t.Fatalf("expected ErrTwoFactorRejected, got %v", err)
	}
	if after := s.Snapshot().Cookies; !reflect.DeepEqual(cookiesBefore, after) {
		t.Fatalf("rejected code changed the jar: %v -> %v", cookiesBefore, after)
	}
	if after := challengeCookies(s); after != challengeBefore {
		t.Fatalf("rejected code changed the challenge jar: %q -> %q", challengeBefore, after)
	}
	if s.State() != StateAwaitingTwoFactorCode {
		t.Fatalf("state after rejected code = %s", s.State())
	}
	if ev := expectEvent(t, sink, EventError); ev.Kind != KindTwoFactor {
		t.Fatalf("error kind = %s", ev.Kind)
	}

	code, err := h.provider.Code(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnterTwoFactorCode(ctx, code); err != nil {
		t.Fatalf("EnterTwoFactorCode: %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %s", s.State())
	}
	expectEvent(t, sink, EventReady)

	snap := s.Snapshot()
	if snap.Tokens.TrustToken == "" {
		t.Fatal("trust token not kept")
	}
	if got := h.provider.Calls(stub.RouteAccountLogin); got != 2 {
		t.Fatalf("account login calls = %d, want 2", got)
	}
	if got := s.Metrics().Counters[MetricTwoFactorFailure]; got != 1 {
		t.Fatalf("two-factor failure counter = %d", got)
	}
}

func TestResumeFromSnapshotWithoutNetwork(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, _ := h.login(t)

	data, err := session.Encode(s.Snapshot())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(data), testPassword) {
		t.Fatal("password persisted")
	}
	st, err := session.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	resumed, sink := h.build(t, func(b *Builder) { b.WithDoer(offlineDoer(t)) })
	if err := resumed.Prepare(context.Background(), st); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	expectEvent(t, sink, EventReady)

	if resumed.State() != StateAuthenticated {
		t.Fatalf("state = %s", resumed.State())
	}
	if resumed.ClientID() != s.ClientID() {
		t.Fatalf("client id changed: %s != %s", resumed.ClientID(), s.ClientID())
	}
	if resumed.Username() != testUser {
		t.Fatalf("username = %q", resumed.Username())
	}
	want, _ := s.CookieString()
	if got, _ := resumed.CookieString(); got != want {
		t.Fatalf("cookies differ:\n%s\n%s", got, want)
	}
	if len(resumed.LoginHistory()) != 2 {
		t.Fatalf("history = %v", resumed.LoginHistory())
	}
}

func TestExpiredSessionWithoutCredentialsFails(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, _ := h.login(t)
	st := s.Snapshot()

	stale, sink := h.build(t, withClockOffset(2*time.Hour), func(b *Builder) { b.WithDoer(offlineDoer(t)) })
	err := stale.Prepare(context.Background(), st)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if stale.State() != StateFailed || !errors.Is(stale.FailureReason(), ErrSessionExpired) {
		t.Fatalf("state = %s reason = %v", stale.State(), stale.FailureReason())
	}
	expectEvent(t, sink, EventCredentialsRequired)
	if ev := expectEvent(t, sink, EventError); ev.Kind != KindSessionInvalid {
		t.Fatalf("error kind = %s", ev.Kind)
	}
}

func TestExpiredSessionWithCredentialsLogsInAgain(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, _ := h.login(t)
	st := s.Snapshot()

	again, sink := h.build(t, withCredentials(testUser, testPassword), withClockOffset(2*time.Hour))
	if err := again.Prepare(context.Background(), st); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	expectEvent(t, sink, EventReady)
	if got := h.provider.Calls(stub.RouteSignIn); got != 2 {
		t.Fatalf("signin calls = %d", got)
	}
	if again.ClientID() != s.ClientID() {
		t.Fatal("client id not carried over")
	}
	if len(again.LoginHistory()) != 2 {
		t.Fatalf("history = %v", again.LoginHistory())
	}
}

func TestNoStateNoCredentials(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, sink := h.build(t)
	ctx := context.Background()

	if err := s.Prepare(ctx, nil); !errors.Is(err, ErrCredentialsRequired) {
		t.Fatalf("expected ErrCredentialsRequired, got %v", err)
	}
	if s.State() != StateAwaitingCredentials {
		t.Fatalf("state = %s", s.State())
	}
	expectEvent(t, sink, EventCredentialsRequired)
	if got := h.provider.Calls(stub.RouteSignIn); got != 0 {
		t.Fatalf("signin calls = %d", got)
	}

	if err := s.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	expectEvent(t, sink, EventReady)
	if s.Username() != testUser {
		t.Fatalf("username = %q", s.Username())
	}
}

func TestWrongPasswordLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, sink := h.build(t)

	err := s.Login(context.Background(), testUser, "wrong-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state = %s", s.State())
	}
	if ev := expectEvent(t, sink, EventError); ev.Kind != KindAuth {
		t.Fatalf("error kind = %s", ev.Kind)
	}
	if got := s.Metrics().Counters[MetricLoginFailure]; got != 1 {
		t.Fatalf("login failure counter = %d", got)
	}

	if err := s.Login(context.Background(), "", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for empty username, got %v", err)
	}
}

func TestSignInServerErrorIsTransportFailure(t *testing.T) {
	h := newHarness(t, stub.Options{})
	outage := transport.DoerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusInternalServerError, Header: http.Header{}}, nil
	})
	s, sink := h.build(t, func(b *Builder) { b.WithDoer(outage) })

	err := s.Login(context.Background(), testUser, testPassword)
	if !errors.Is(err, ErrTransport) || errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !Retryable(err) {
		t.Fatal("server error must be retryable")
	}
	if ev := expectEvent(t, sink, EventError); ev.Kind != KindTransport {
		t.Fatalf("error kind = %s", ev.Kind)
	}
	if got := s.Metrics().Counters[MetricLoginFailure]; got != 0 {
		t.Fatalf("login failure counter = %d", got)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state = %s", s.State())
	}
}

func TestTrustedDeviceSkipsChallenge(t *testing.T) {
	h := newHarness(t, stub.Options{}, stub.Account{Username: testUser, Password: testPassword, DSID: testDSID, TwoFactor: true})
	s, sink := h.build(t, withCredentials(testUser, testPassword))
	ctx := context.Background()

	if err := s.Prepare(ctx, nil); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, sink, EventTwoFactorRequired)
	code, _ := h.provider.Code(testUser)
	if err := s.EnterTwoFactorCode(ctx, code); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, sink, EventReady)
	st := s.Snapshot()

	again, sink2 := h.build(t, withCredentials(testUser, testPassword), withClockOffset(2*time.Hour))
	if err := again.Prepare(ctx, st); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	expectEvent(t, sink2, EventReady)
	if again.State() != StateAuthenticated {
		t.Fatalf("state = %s", again.State())
	}
	if got := h.provider.Calls(stub.RouteSecurityCode); got != 1 {
		t.Fatalf("security code calls = %d, want 1", got)
	}
}

func TestPushFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, stub.Options{PushError: 5})
	s, _ := h.login(t)

	if s.State() != StateAuthenticated {
		t.Fatalf("state = %s", s.State())
	}
	if s.Push().Token != "" {
		t.Fatal("unexpected push token")
	}
	if got := s.Metrics().Counters[MetricPushFailure]; got == 0 {
		t.Fatal("push failure not counted")
	}

	err := s.RegisterPushService(context.Background(), "com.apple.cloudkit")
	if !errors.Is(err, ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
	var regErr *push.RegistrationError
	if !errors.As(err, &regErr) || regErr.Code != 5 || !strings.Contains(regErr.Reason, "push service unavailable") {
		t.Fatalf("provider reason not surfaced: %v", err)
	}
}

func TestMissingPushTokenIsNotFatal(t *testing.T) {
	h := newHarness(t, stub.Options{OmitPushToken: true})
	s, _ := h.login(t)
	if s.Push().Token != "" || len(s.Push().RegisteredServices) != 0 {
		t.Fatalf("push state = %+v", s.Push())
	}
}

func TestMissingDSIDIsMalformed(t *testing.T) {
	h := newHarness(t, stub.Options{OmitDSID: true})
	s, sink := h.build(t)

	err := s.Login(context.Background(), testUser, testPassword)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state = %s", s.State())
	}
	if ev := expectEvent(t, sink, EventError); ev.Kind != KindMalformedResponse {
		t.Fatalf("error kind = %s", ev.Kind)
	}
}

func TestConcurrentTransitionRejected(t *testing.T) {
	h := newHarness(t, stub.Options{Latency: 300 * time.Millisecond})
	s, _ := h.build(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Login(context.Background(), testUser, testPassword)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.provider.Calls(stub.RouteSignIn) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("login never reached the provider")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Prepare(context.Background(), nil); !errors.Is(err, ErrTransitionInProgress) {
		t.Fatalf("expected ErrTransitionInProgress, got %v", err)
	}
	if err := s.EnterTwoFactorCode(context.Background(), "123456"); !errors.Is(err, ErrTransitionInProgress) {
		t.Fatalf("expected ErrTransitionInProgress, got %v", err)
	}
	// Accessors do not wait for the transition.
	_ = s.State()
	_ = s.Snapshot()

	wg.Wait()
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %s", s.State())
	}
	if got := s.Metrics().Counters[MetricTransitionRejected]; got != 2 {
		t.Fatalf("rejected counter = %d", got)
	}
}

func TestCancelledTransitionKeepsState(t *testing.T) {
	h := newHarness(t, stub.Options{})
	base := h.doer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var armed bool
	doer := transport.DoerFunc(func(c context.Context, req *transport.Request) (*transport.Response, error) {
		if armed && strings.HasSuffix(req.URL.Path, "/accountLogin") {
			cancel()
			return nil, c.Err()
		}
		return base.Do(c, req)
	})

	s, sink := h.build(t, withCredentials(testUser, testPassword), func(b *Builder) { b.WithDoer(doer) })
	if err := s.Prepare(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, sink, EventReady)
	before, _ := s.CookieString()
	history := s.LoginHistory()

	armed = true
	err := s.Login(ctx, testUser, testPassword)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %s", s.State())
	}
	if after, _ := s.CookieString(); after != before {
		t.Fatal("cookies changed by a cancelled login")
	}
	if len(s.LoginHistory()) != len(history) {
		t.Fatal("history changed by a cancelled login")
	}
	noEvent(t, sink)
}

func TestEnterCodeWithoutChallenge(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, _ := h.build(t)
	if err := s.EnterTwoFactorCode(context.Background(), "123456"); !errors.Is(err, ErrNoTwoFactorPending) {
		t.Fatalf("expected ErrNoTwoFactorPending, got %v", err)
	}
}

func TestLoginAbandonsPendingChallenge(t *testing.T) {
	h := newHarness(t, stub.Options{}, stub.Account{Username: testUser, Password: testPassword, DSID: testDSID, TwoFactor: true})
	s, sink := h.build(t)
	ctx := context.Background()

	if err := s.Login(ctx, testUser, testPassword); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, sink, EventTwoFactorRequired)
	if err := s.Login(ctx, testUser, testPassword); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, sink, EventTwoFactorRequired)

	code, _ := h.provider.Code(testUser)
	if err := s.EnterTwoFactorCode(ctx, code); err != nil {
		t.Fatalf("code for the new challenge rejected: %v", err)
	}
	expectEvent(t, sink, EventReady)
}

func TestExpireAndCheckValidity(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, sink := h.login(t)

	if err := s.CheckValidity(time.Now()); err != nil {
		t.Fatalf("CheckValidity: %v", err)
	}
	if err := s.CheckValidity(time.Now().Add(2 * time.Hour)); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state = %s", s.State())
	}
	if ev := expectEvent(t, sink, EventError); ev.Kind != KindSessionInvalid {
		t.Fatalf("error kind = %s", ev.Kind)
	}
	if _, err := s.CookieString(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if err := s.Expire(); err != nil {
		t.Fatalf("Expire on unauthenticated session: %v", err)
	}
	noEvent(t, sink)
}

func TestPersistedStateOfAnotherAccountIsIgnored(t *testing.T) {
	other := "other@example.com"
	h := newHarness(t, stub.Options{},
		stub.Account{Username: testUser, Password: testPassword, DSID: testDSID},
		stub.Account{Username: other, Password: testPassword, DSID: "77"},
	)
	s, _ := h.login(t)
	st := s.Snapshot()

	b, sink := h.build(t, withCredentials(other, testPassword))
	if err := b.Prepare(context.Background(), st); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	expectEvent(t, sink, EventReady)
	if dsid, _ := b.DSID(); dsid != "77" {
		t.Fatalf("dsid = %q", dsid)
	}
	if b.ClientID() == s.ClientID() {
		t.Fatal("client id of another account reused")
	}
	if len(b.LoginHistory()) != 1 {
		t.Fatalf("history = %v", b.LoginHistory())
	}
}

func TestMalformedPersistedState(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, sink := h.build(t, withCredentials(testUser, testPassword))

	st := &session.State{Version: 99, Username: testUser}
	if err := s.Prepare(context.Background(), st); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state = %s", s.State())
	}
	expectEvent(t, sink, EventError)
	if got := h.provider.Calls(stub.RouteSignIn); got != 0 {
		t.Fatalf("signin calls = %d", got)
	}
}

func TestPrepareFromStore(t *testing.T) {
	h := newHarness(t, stub.Options{})
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s, sink := h.build(t, withCredentials(testUser, testPassword))
	if err := s.PrepareFromStore(ctx, store); err != nil {
		t.Fatalf("PrepareFromStore (empty): %v", err)
	}
	expectEvent(t, sink, EventReady)
	if err := s.Persist(ctx, store); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	resumed, sink2 := h.build(t, withCredentials(testUser, "unused"), func(b *Builder) { b.WithDoer(offlineDoer(t)) })
	if err := resumed.PrepareFromStore(ctx, store); err != nil {
		t.Fatalf("PrepareFromStore: %v", err)
	}
	expectEvent(t, sink2, EventReady)
	if resumed.State() != StateAuthenticated {
		t.Fatalf("state = %s", resumed.State())
	}
}

func TestRegisterPushServiceAndPoll(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, _ := h.login(t)
	ctx := context.Background()

	if err := s.RegisterPushService(ctx, "com.apple.cloudkit"); err != nil {
		t.Fatalf("RegisterPushService: %v", err)
	}
	if !s.Push().Registered("com.apple.cloudkit") {
		t.Fatal("service not recorded")
	}
	state, err := s.PushState(ctx)
	if err != nil {
		t.Fatalf("PushState: %v", err)
	}
	if state["pcsEnabled"] != true {
		t.Fatalf("push state = %v", state)
	}
	body, err := s.PollNotifications(ctx)
	if err != nil {
		t.Fatalf("PollNotifications: %v", err)
	}
	if !strings.Contains(string(body), "notifications") {
		t.Fatalf("poll body = %s", body)
	}
}

func TestClosedSessionRejectsTransitions(t *testing.T) {
	h := newHarness(t, stub.Options{})
	s, _ := h.build(t)
	s.Close()
	if err := s.Login(context.Background(), testUser, testPassword); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	b := New()
	s, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("second Build succeeded")
	}

	cfg := DefaultConfig()
	cfg.Transport.Timeout = 0
	if _, err := New().WithConfig(cfg).Build(); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestCloseReturnsWhileHostIgnoresEvents(t *testing.T) {
	h := newHarness(t, stub.Options{})
	cfg := h.cfg
	cfg.Events.CloseTimeout = 50 * time.Millisecond

	sink := NewChannelSink(1)
	s, err := New().WithConfig(cfg).WithDoer(h.doer()).WithEventSink(sink).Build()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Login(context.Background(), testUser, "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("login %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked while the event channel was not read")
	}
	if s.DroppedEvents() == 0 {
		t.Fatal("undelivered events not counted")
	}
}
