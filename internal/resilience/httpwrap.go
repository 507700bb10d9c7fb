package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StatusError reports a retryable upstream status after retries were exhausted.
type StatusError struct {
	Target     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resilience: %s responded %d", e.Target, e.StatusCode)
}

// HTTPClient wraps an http.Client with per-attempt timeouts, retries and a circuit breaker.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// NewHTTPClient builds a client whose transport emits OpenTelemetry spans.
func NewHTTPClient(target string, timeout time.Duration, breaker *Breaker) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Breaker:     breaker,
		Target:      target,
		BaseBackoff: 200 * time.Millisecond,
		MaxAttempts: 3,
		Jitter:      0.2,
		Timeout:     timeout,
	}
}

// Do executes req, retrying transport errors, 429 and 5xx responses. The
// request body is buffered so each attempt replays it. A non-retryable
// response is returned to the caller as-is.
func (cl *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl == nil || cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	attempts := cl.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	target := cl.Target
	if target == "" && cl.Breaker != nil {
		target = cl.Breaker.Target()
	}
	if target == "" {
		target = req.URL.Host
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
			OutboundRequests.WithLabelValues(target, "circuit_open").Inc()
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrOpenCircuit, lastErr)
			}
			return nil, ErrOpenCircuit
		}

		resp, err := cl.attempt(ctx, req, body)
		retryable := err != nil || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if cl.Breaker != nil {
			cl.Breaker.Report(ctx, err == nil && resp.StatusCode < 500)
		}
		if !retryable {
			OutboundRequests.WithLabelValues(target, "ok").Inc()
			return resp, nil
		}

		wait := Backoff(cl.BaseBackoff, attempt, cl.Jitter)
		if err != nil {
			OutboundRequests.WithLabelValues(target, "error").Inc()
			lastErr = err
		} else {
			OutboundRequests.WithLabelValues(target, "status_"+strconv.Itoa(resp.StatusCode/100)+"xx").Inc()
			lastErr = &StatusError{Target: target, StatusCode: resp.StatusCode}
			if ra := retryAfter(resp); ra > 0 {
				wait = ra
			}
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			_ = resp.Body.Close()
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (cl *HTTPClient) attempt(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	callCtx := ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	clone := req.Clone(callCtx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	resp, err := cl.Client.Do(clone)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		return d
	}
	return 0
}
