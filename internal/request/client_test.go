package request

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/optionsdesk/retriever/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: 12}) // above error, quiet
}

func TestPermanentErrorsNeverRetried(t *testing.T) {
	cases := []struct {
		status int
		class  Class
	}{
		{http.StatusNotFound, ClassNotFound},
		{http.StatusForbidden, ClassForbidden},
		{http.StatusBadRequest, ClassClient},
		{http.StatusUnauthorized, ClassClient},
	}

	for _, tc := range cases {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(tc.status)
		}))

		c := NewClient(srv.Client(), testLogger())
		_, err := c.Do(context.Background(), Descriptor{
			URL:         srv.URL,
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
		})
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		rerr := AsError(err)
		if rerr.Class != tc.class {
			t.Errorf("status %d: expected class %s, got %s", tc.status, tc.class, rerr.Class)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("status %d: expected exactly 1 attempt, got %d", tc.status, got)
		}
	}
}

func TestServerErrorsRetriedUpToBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	_, err := c.Do(context.Background(), Descriptor{
		URL:         srv.URL,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	})

	if err == nil {
		t.Fatal("expected error")
	}
	rerr := AsError(err)
	if rerr.Class != ClassServer {
		t.Errorf("expected class %s, got %s", ClassServer, rerr.Class)
	}
	if rerr.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", rerr.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestTransientFailureThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	resp, err := c.Do(context.Background(), Descriptor{
		URL:         srv.URL,
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestNetworkErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	c := NewClient(&http.Client{Timeout: time.Second}, testLogger())
	_, err := c.Do(context.Background(), Descriptor{
		URL:         srv.URL,
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if rerr := AsError(err); rerr.Class != ClassNetwork {
		t.Errorf("expected class %s, got %s", ClassNetwork, rerr.Class)
	}
}

func TestPolicyBlocksBeforeAnyAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	c.SetPolicy(func(u *url.URL) error {
		return errors.New("origin not allowed")
	})

	_, err := c.Do(context.Background(), Descriptor{URL: srv.URL, MaxAttempts: 3})
	if err == nil {
		t.Fatal("expected error")
	}
	if rerr := AsError(err); rerr.Class != ClassBlocked {
		t.Errorf("expected class %s, got %s", ClassBlocked, rerr.Class)
	}
	if calls.Load() != 0 {
		t.Error("blocked request must not reach the network")
	}
}

func TestDefaultContentTypeAndOverride(t *testing.T) {
	var contentType, custom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		custom = r.Header.Get("X-Screen")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	header := http.Header{}
	header.Set("X-Screen", "options-chain")

	_, err := c.Do(context.Background(), Descriptor{
		URL:    srv.URL,
		Method: http.MethodPost,
		Body:   map[string]string{"message": "hi"},
		Header: header,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("expected default json content type, got %q", contentType)
	}
	if custom != "options-chain" {
		t.Errorf("expected header override, got %q", custom)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 400 * time.Millisecond

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 400 * time.Millisecond}, // capped
	}
	for _, tc := range cases {
		if got := backoffDelay(base, max, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}

	if got := backoffDelay(0, max, 3); got != 0 {
		t.Errorf("zero base should not wait, got %v", got)
	}
}

func TestRetriesWaitBetweenAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	start := time.Now()
	c.Do(context.Background(), Descriptor{
		URL:         srv.URL,
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    time.Second,
	})
	elapsed := time.Since(start)

	// Attempts wait 20ms then 40ms.
	if elapsed < 60*time.Millisecond {
		t.Errorf("expected at least 60ms of backoff, elapsed %v", elapsed)
	}
}

func TestContextCancelStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	c := NewClient(srv.Client(), testLogger())
	_, err := c.Do(ctx, Descriptor{
		URL:         srv.URL,
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got > 2 {
		t.Errorf("cancellation should stop the loop early, got %d attempts", got)
	}
}
