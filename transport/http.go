package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/MrEthical07/goICloud/internal/logattr"
)

// ErrResponseTooLarge is returned when a decoded body exceeds the
// configured limit.
var ErrResponseTooLarge = errors.New("response body too large")

// HTTPOptions configures [HTTPDoer]. Zero values select the defaults noted
// on each field.
type HTTPOptions struct {
	// Timeout bounds a single attempt. Default 30s.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retries.
	MaxRetries int
	// RetryBaseDelay is the first backoff interval. Default 250ms.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps a single backoff interval. Default 5s.
	RetryMaxDelay time.Duration
	// RateLimit is the sustained requests per second. Zero disables pacing.
	RateLimit float64
	// RateBurst is the pacing burst size. Default 1.
	RateBurst int
	// MaxResponseSize caps the decoded body. Default 4 MiB.
	MaxResponseSize int64
	// Client overrides the underlying HTTP client.
	Client *http.Client
	Logger *slog.Logger
}

// HTTPDoer executes requests over net/http.
type HTTPDoer struct {
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *rate.Limiter
	maxBody    int64
	log        *slog.Logger
}

// NewHTTPDoer returns an HTTPDoer configured by opts.
func NewHTTPDoer(opts HTTPOptions) *HTTPDoer {
	d := &HTTPDoer{
		client:     opts.Client,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.RetryBaseDelay,
		maxDelay:   opts.RetryMaxDelay,
		maxBody:    opts.MaxResponseSize,
		log:        opts.Logger,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	if d.maxRetries < 0 {
		d.maxRetries = 0
	}
	if d.baseDelay <= 0 {
		d.baseDelay = 250 * time.Millisecond
	}
	if d.maxDelay <= 0 {
		d.maxDelay = 5 * time.Second
	}
	if d.maxBody <= 0 {
		d.maxBody = 4 << 20
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if d.log == nil {
		d.log = logattr.Discard()
	}
	d.log = d.log.With(logattr.Component("transport"))
	return d
}

// Do executes req, retrying network errors and gateway statuses with
// exponential backoff. Cancellation of ctx is returned as ctx.Err().
func (d *HTTPDoer) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("transport: nil request")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.baseDelay
	policy.MaxInterval = d.maxDelay
	policy.MaxElapsedTime = 0

	var (
		resp    *Response
		attempt int
	)
	op := func() error {
		attempt++
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		r, err := d.once(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				return err
			}
			d.log.DebugContext(ctx, "request attempt failed",
				logattr.Method(req.Method), logattr.Path(req.URL.Path),
				logattr.RetryCount(attempt-1), logattr.Error(err))
			return err
		}
		resp = r
		if retryableStatus(r.StatusCode) {
			d.log.DebugContext(ctx, "gateway status",
				logattr.Method(req.Method), logattr.Path(req.URL.Path),
				logattr.StatusCode(r.StatusCode), logattr.RetryCount(attempt-1))
			return fmt.Errorf("gateway status %d", r.StatusCode)
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxRetries)), ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func (d *HTTPDoer) once(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			hreq.Header.Add(name, v)
		}
	}
	hreq.Header.Set("Accept-Encoding", acceptEncoding)

	hresp, err := d.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	decoded, release, err := decodeBody(hresp.Body, hresp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	defer release()

	raw, err := io.ReadAll(io.LimitReader(decoded, d.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > d.maxBody {
		return nil, backoff.Permanent(ErrResponseTooLarge)
	}

	header := hresp.Header.Clone()
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return &Response{
		StatusCode: hresp.StatusCode,
		Header:     header,
		Body:       raw,
	}, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
