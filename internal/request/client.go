// Package request executes one logical HTTP call against the desk backend
// with bounded retry, capped exponential backoff and error classification.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/optionsdesk/retriever/internal/logger"
	"github.com/optionsdesk/retriever/internal/metrics"
)

// Descriptor describes a single outgoing call, including its retry budget.
// Immutable once constructed.
type Descriptor struct {
	URL    string
	Method string
	Body   interface{} // JSON-marshalled when non-nil
	Header http.Header // overrides merged over defaults

	MaxAttempts int // inclusive of the first try; <1 means 1
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration // upper bound of random extra delay, 0 disables
}

// Response is the successful outcome of a request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Doer abstracts the HTTP primitive so tests can run without a network stack.
// *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy inspects a target URL before any attempt. A non-nil error blocks
// the request permanently (ClassBlocked), mirroring a browser refusing a
// cross-origin call.
type Policy func(u *url.URL) error

// Client retries transient failures and classifies terminal ones. Safe for
// concurrent use.
type Client struct {
	doer   Doer
	policy Policy
	logger *logger.Logger
}

// NewClient creates a client around doer. A nil doer falls back to a
// http.Client with a 30s timeout.
func NewClient(doer Doer, log *logger.Logger) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		doer:   doer,
		logger: log.WithComponent("request_client"),
	}
}

// SetPolicy installs a pre-flight URL policy.
func (c *Client) SetPolicy(p Policy) {
	c.policy = p
}

// Do performs up to d.MaxAttempts attempts. It returns either a response or
// a *Error; transient failures are retried with capped exponential backoff,
// permanent ones short-circuit on the attempt that produced them.
func (c *Client) Do(ctx context.Context, d Descriptor) (*Response, error) {
	maxAttempts := d.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log := c.logger.WithContext(ctx)

	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, &Error{Class: ClassBlocked, Attempts: 0, Message: "invalid url: " + d.URL, Err: err}
	}
	if c.policy != nil {
		if perr := c.policy(target); perr != nil {
			metrics.RequestFailures.WithLabelValues(string(ClassBlocked)).Inc()
			return nil, &Error{Class: ClassBlocked, Attempts: 0, Message: perr.Error(), Err: perr}
		}
	}

	var body []byte
	if d.Body != nil {
		body, err = json.Marshal(d.Body)
		if err != nil {
			return nil, &Error{Class: ClassClient, Attempts: 0, Message: "marshal request body", Err: err}
		}
	}

	var lastErr *Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, aerr := c.attempt(ctx, d, body)
		if aerr == nil {
			return resp, nil
		}

		aerr.Attempts = attempt
		lastErr = aerr

		if !aerr.Class.Transient() {
			log.Warn("request failed permanently",
				"url", d.URL,
				"class", string(aerr.Class),
				"status", aerr.StatusCode)
			metrics.RequestFailures.WithLabelValues(string(aerr.Class)).Inc()
			return nil, aerr
		}

		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(d.BaseDelay, d.MaxDelay, attempt)
		if d.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(d.Jitter)))
		}

		log.Debug("retrying request",
			"url", d.URL,
			"attempt", attempt,
			"class", string(aerr.Class),
			"delay", delay)
		metrics.RequestRetries.Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr.Err = ctx.Err()
			metrics.RequestFailures.WithLabelValues(string(lastErr.Class)).Inc()
			return nil, lastErr
		}
	}

	log.Warn("request retries exhausted",
		"url", d.URL,
		"class", string(lastErr.Class),
		"attempts", lastErr.Attempts)
	metrics.RequestFailures.WithLabelValues(string(lastErr.Class)).Inc()
	return nil, lastErr
}

// attempt executes one try. The returned *Error carries no attempt count;
// the retry loop fills it in.
func (c *Client) attempt(ctx context.Context, d Descriptor, body []byte) (*Response, *Error) {
	method := d.Method
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.URL, reader)
	if err != nil {
		return nil, &Error{Class: ClassClient, Message: "build request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, values := range d.Header {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassNetwork, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Class: ClassNetwork, Message: "read response body", Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{
			Class:      classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s %s: %s", method, d.URL, resp.Status),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusNotFound:
		return ClassNotFound
	case code == http.StatusForbidden:
		return ClassForbidden
	case code >= 500:
		return ClassServer
	default:
		return ClassClient
	}
}

// backoffDelay returns base*2^(attempt-1) capped at max. Zero base means no
// waiting, zero max means uncapped.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base << (attempt - 1)
	if delay < base { // overflow
		delay = max
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
