package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrTransport is returned for network failures, timeouts and exhausted
// retries on gateway errors. Callers may retry the whole operation.
var ErrTransport = errors.New("transport error")

// Request is a fully assembled provider request.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Response is a provider response with a decoded body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// SetCookies returns the raw Set-Cookie headers.
func (r *Response) SetCookies() []string {
	if r == nil {
		return nil
	}
	return r.Header.Values("Set-Cookie")
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if r == nil || len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %v", err)
	}
	return nil
}

// Doer executes requests. Implementations must honor ctx cancellation and
// report retryable failures as [ErrTransport].
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// DoerFunc adapts a function to [Doer].
type DoerFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f.
func (f DoerFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
