// Package netclient wraps resty with the widget's retry contract: every
// attempt carries its own timeout, transport failures are retried with
// exponential backoff, and a received HTTP response is never retried no
// matter its status code.
package netclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/embedkit/embedkit/pkg/logger"
)

// Policy controls retry behavior. Backoff and Sleep are injectable so the
// schedule can be asserted against a fake clock in tests.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// Backoff returns the delay before retry number attempt (0-based).
	Backoff func(attempt int) time.Duration

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy matches the widget defaults: 2 retries, 20s per attempt,
// 500ms * 2^attempt backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		Timeout:    20 * time.Second,
		Backoff:    ExponentialBackoff(500 * time.Millisecond),
	}
}

// ExponentialBackoff returns base * 2^attempt.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base << uint(attempt)
	}
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HTTPError reports a non-2xx response on a streaming request, where the
// error body has to be drained before the response handle is useless.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.Status)
}

// bodyError marks a failure that happened after a response was received.
// The attempt is not retried.
type bodyError struct{ err error }

func (e *bodyError) Error() string { return e.err.Error() }
func (e *bodyError) Unwrap() error { return e.err }

// Client issues requests against a single base URL.
type Client struct {
	rest   *resty.Client
	policy Policy
}

func New(baseURL string, policy Policy) *Client {
	if policy.Backoff == nil {
		policy.Backoff = ExponentialBackoff(500 * time.Millisecond)
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 20 * time.Second
	}
	return &Client{
		rest:   resty.New().SetBaseURL(baseURL),
		policy: policy,
	}
}

// do runs fn once per attempt under a per-attempt timeout. Transport
// errors (no response received) are retried; anything else is returned.
func (c *Client) do(ctx context.Context, path string, fn func(ctx context.Context) (*resty.Response, error)) (*resty.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		resp, err := fn(actx)
		cancel()
		if err == nil {
			return resp, nil
		}

		var be *bodyError
		if errors.As(err, &be) {
			return resp, be.err
		}

		lastErr = err
		if attempt >= c.policy.MaxRetries {
			return nil, fmt.Errorf("request to %s failed after %d attempts: %w", path, attempt+1, lastErr)
		}

		logger.WarnCF("netclient", "transport error, retrying", map[string]interface{}{
			"path":    path,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})

		if serr := c.policy.sleep(ctx, c.policy.Backoff(attempt)); serr != nil {
			return nil, serr
		}
	}
}

// PostJSON sends body as JSON and returns the response, whatever its
// status code.
func (c *Client) PostJSON(ctx context.Context, path string, body any) (*resty.Response, error) {
	return c.do(ctx, path, func(ctx context.Context) (*resty.Response, error) {
		return c.rest.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(path)
	})
}

// PostForm sends a multipart form. The content-type (and boundary) is left
// to the transport. fileData is buffered so retried attempts can resend it.
func (c *Client) PostForm(ctx context.Context, path string, fields map[string]string, fileField, fileName string, fileData []byte) (*resty.Response, error) {
	return c.do(ctx, path, func(ctx context.Context) (*resty.Response, error) {
		r := c.rest.R().SetContext(ctx)
		if len(fields) > 0 {
			r.SetFormData(fields)
		}
		if fileField != "" {
			r.SetFileReader(fileField, fileName, bytes.NewReader(fileData))
		}
		return r.Post(path)
	})
}

// Get issues a GET with query parameters.
func (c *Client) Get(ctx context.Context, path string, query map[string]string) (*resty.Response, error) {
	return c.do(ctx, path, func(ctx context.Context) (*resty.Response, error) {
		return c.rest.R().
			SetContext(ctx).
			SetQueryParams(query).
			Get(path)
	})
}

// PostStream sends body as JSON and feeds the raw response body to sink in
// chunks as it arrives. Connection failures are retried like any other
// transport error; once headers are in, read failures are surfaced without
// retry so whatever arrived is kept. A non-2xx status is returned as an
// *HTTPError carrying the drained error body.
func (c *Client) PostStream(ctx context.Context, path string, body any, sink func(chunk []byte)) error {
	_, err := c.do(ctx, path, func(ctx context.Context) (*resty.Response, error) {
		resp, err := c.rest.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			SetDoNotParseResponse(true).
			Post(path)
		if err != nil {
			return resp, err
		}

		raw := resp.RawBody()
		defer raw.Close()

		if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
			errBody, rerr := io.ReadAll(io.LimitReader(raw, 1<<20))
			if rerr != nil {
				return resp, &bodyError{rerr}
			}
			return resp, &bodyError{&HTTPError{Status: resp.StatusCode(), Body: errBody}}
		}

		buf := make([]byte, 512)
		for {
			n, rerr := raw.Read(buf)
			if n > 0 {
				sink(buf[:n])
			}
			if rerr == io.EOF {
				return resp, nil
			}
			if rerr != nil {
				return resp, &bodyError{rerr}
			}
		}
	})
	return err
}

// IsTimeout reports whether err stems from an attempt deadline firing.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
