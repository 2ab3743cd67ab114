package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/goICloud/internal/stub"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:8787", "listen address")
		username  = flag.String("username", "user@example.com", "account username")
		password  = flag.String("password", "correct-password-123", "account password")
		dsid      = flag.String("dsid", "", "account dsid (default generated)")
		twoFactor = flag.Bool("two-factor", true, "require a trusted-device code on untrusted sign-in")
		cookieTTL = flag.Duration("cookie-ttl", time.Hour, "lifetime of web-auth cookies")
		pushError = flag.Int("push-error", 0, "non-zero provider error code returned by push endpoints")
		latency   = flag.Duration("latency", 0, "artificial per-request latency")
	)
	flag.Parse()

	provider, err := stub.New(stub.Options{
		CookieTTL: *cookieTTL,
		PushError: *pushError,
		Latency:   *latency,
	}, stub.Account{
		Username:  *username,
		Password:  *password,
		DSID:      *dsid,
		TwoFactor: *twoFactor,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create provider: %v\n", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", *addr, err)
		os.Exit(1)
	}
	base := "http://" + ln.Addr().String()
	provider.SetBaseURL(base)

	srv := &http.Server{
		Handler:           provider,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	endpoints := stub.Endpoints(base)
	fmt.Printf("provider listening on %s\n", base)
	fmt.Printf("ICLOUD_PROVIDER_AUTH_URL=%s\n", endpoints.Auth)
	fmt.Printf("ICLOUD_PROVIDER_SETUP_URL=%s\n", endpoints.Setup)
	fmt.Printf("ICLOUD_PROVIDER_ORIGIN=%s\n", endpoints.Origin)
	fmt.Printf("ICLOUD_PROVIDER_COURIER_URL=%s\n", endpoints.Courier)
	if *twoFactor {
		go printCodes(ctx, provider, *username)
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
}

// printCodes prints the current trusted-device code whenever it changes.
func printCodes(ctx context.Context, provider *stub.Provider, username string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last string
	for {
		code, err := provider.Code(username)
		if err == nil && code != last {
			fmt.Printf("trusted-device code for %s: %s\n", username, code)
			last = code
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
