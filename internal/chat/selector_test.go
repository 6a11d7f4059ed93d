package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/optionsdesk/retriever/internal/config"
	"github.com/optionsdesk/retriever/internal/connection"
	"github.com/optionsdesk/retriever/internal/logger"
	"github.com/optionsdesk/retriever/internal/request"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: 12})
}

// fakeChannel is a scriptable Channel for transport-selection tests.
type fakeChannel struct {
	mu       sync.Mutex
	status   connection.Status
	sendErr  error
	sentJSON []connection.ChatCommand
	sentText []string

	onMessage func([]byte)
	onStatus  func(connection.Status)
}

func newFakeChannel(status connection.Status) *fakeChannel {
	return &fakeChannel{status: status}
}

func (f *fakeChannel) Status() connection.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeChannel) Connect() {}

func (f *fakeChannel) SendJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cmd, ok := v.(connection.ChatCommand)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", v)
	}
	f.sentJSON = append(f.sentJSON, cmd)
	return nil
}

func (f *fakeChannel) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentText = append(f.sentText, text)
	return nil
}

func (f *fakeChannel) OnMessage(h func([]byte)) { f.onMessage = h }

func (f *fakeChannel) OnStatus(h func(connection.Status)) { f.onStatus = h }

// deliver simulates an inbound frame from the backend.
func (f *fakeChannel) deliver(payload string) {
	f.onMessage([]byte(payload))
}

func (f *fakeChannel) jsonSends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentJSON)
}

func selectorConfig(baseURL string, prefer bool) SelectorConfig {
	return SelectorConfig{
		BaseURL:        baseURL,
		PreferChannel:  prefer,
		ChannelTimeout: 100 * time.Millisecond,
		Retry:          config.RetryPolicy{MaxAttempts: 1},
	}
}

func collectResolution(t *testing.T, timeout time.Duration, ch <-chan Resolution) Resolution {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		t.Fatal("resolution never arrived")
		return Resolution{}
	}
}

func TestChannelAnswerWinsWithoutHTTP(t *testing.T) {
	var httpCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpCalls.Add(1)
		json.NewEncoder(w).Encode(ChatResponse{Answer: "from http"})
	}))
	defer srv.Close()

	ch := newFakeChannel(connection.StatusConnected)
	sel := NewSelector(ch, request.NewClient(nil, testLogger()), selectorConfig(srv.URL, true), testLogger())

	got := make(chan Resolution, 1)
	sel.Send(context.Background(), "msg-1", "what is theta", nil, func(r Resolution) { got <- r })

	if ch.jsonSends() != 1 {
		t.Fatalf("expected 1 channel send, got %d", ch.jsonSends())
	}

	ch.deliver(`{"type":"chat_response","id":"msg-1","answer":"Theta is time decay."}`)

	r := collectResolution(t, time.Second, got)
	if r.Answer != "Theta is time decay." {
		t.Errorf("unexpected answer %q", r.Answer)
	}
	if r.Transport != TransportChannel {
		t.Errorf("expected channel transport, got %s", r.Transport)
	}

	time.Sleep(150 * time.Millisecond) // past the fallback timeout
	if httpCalls.Load() != 0 {
		t.Error("HTTP fallback must not fire once the channel answered")
	}
}

func TestChannelTimeoutFallsBackExactlyOnce(t *testing.T) {
	var httpCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpCalls.Add(1)
		json.NewEncoder(w).Encode(ChatResponse{Answer: "from http"})
	}))
	defer srv.Close()

	ch := newFakeChannel(connection.StatusConnected)
	sel := NewSelector(ch, request.NewClient(nil, testLogger()), selectorConfig(srv.URL, true), testLogger())

	got := make(chan Resolution, 4)
	sel.Send(context.Background(), "msg-1", "slow one", nil, func(r Resolution) { got <- r })

	r := collectResolution(t, time.Second, got)
	if r.Transport != TransportHTTP {
		t.Errorf("expected HTTP fallback, got %s", r.Transport)
	}
	if r.Answer != "from http" {
		t.Errorf("unexpected answer %q", r.Answer)
	}

	// A late channel answer must be discarded, not resolved twice.
	ch.deliver(`{"type":"chat_response","id":"msg-1","answer":"too late"}`)
	select {
	case extra := <-got:
		t.Fatalf("message resolved twice, second resolution %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
	if httpCalls.Load() != 1 {
		t.Errorf("expected exactly 1 HTTP call, got %d", httpCalls.Load())
	}
}

func TestChannelNotConnectedGoesStraightToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gr2/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(ChatResponse{Answer: "direct"})
	}))
	defer srv.Close()

	ch := newFakeChannel(connection.StatusDisconnected)
	sel := NewSelector(ch, request.NewClient(nil, testLogger()), selectorConfig(srv.URL, true), testLogger())

	got := make(chan Resolution, 1)
	sel.Send(context.Background(), "msg-1", "hello", nil, func(r Resolution) { got <- r })

	r := collectResolution(t, time.Second, got)
	if r.Transport != TransportHTTP || r.Answer != "direct" {
		t.Errorf("unexpected resolution %+v", r)
	}
	if ch.jsonSends() != 0 {
		t.Error("no channel send expected while disconnected")
	}
}

func TestChannelSendFailureFallsBackImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{Answer: "rescued"})
	}))
	defer srv.Close()

	ch := newFakeChannel(connection.StatusConnected)
	ch.sendErr = connection.ErrNotConnected
	sel := NewSelector(ch, request.NewClient(nil, testLogger()), selectorConfig(srv.URL, true), testLogger())

	got := make(chan Resolution, 1)
	start := time.Now()
	sel.Send(context.Background(), "msg-1", "hello", nil, func(r Resolution) { got <- r })

	r := collectResolution(t, time.Second, got)
	if r.Answer != "rescued" || r.Transport != TransportHTTP {
		t.Errorf("unexpected resolution %+v", r)
	}
	if time.Since(start) >= 100*time.Millisecond {
		t.Error("fallback should not wait for the channel timeout after a failed write")
	}
}

func TestLegacyPathOnNotFound(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/gr2/chat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(ChatResponse{Answer: "legacy deployment"})
	}))
	defer srv.Close()

	ch := newFakeChannel(connection.StatusDisconnected)
	sel := NewSelector(ch, request.NewClient(nil, testLogger()), selectorConfig(srv.URL, false), testLogger())

	got := make(chan Resolution, 1)
	sel.Send(context.Background(), "msg-1", "hello", nil, func(r Resolution) { got <- r })

	r := collectResolution(t, time.Second, got)
	if r.Answer != "legacy deployment" {
		t.Errorf("unexpected answer %q", r.Answer)
	}
	if r.Err != nil {
		t.Errorf("legacy path success must clear the error, got %v", r.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"/gr2/chat", "/chat"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("expected paths %v, got %v", want, paths)
	}
}

func TestTerminalHTTPErrorBecomesUserVisibleResolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := newFakeChannel(connection.StatusDisconnected)
	sel := NewSelector(ch, request.NewClient(nil, testLogger()), selectorConfig(srv.URL, false), testLogger())

	got := make(chan Resolution, 1)
	sel.Send(context.Background(), "msg-1", "hello", nil, func(r Resolution) { got <- r })

	r := collectResolution(t, time.Second, got)
	if r.Err == nil {
		t.Fatal("expected a transport error")
	}
	if r.Err.Class != request.ClassServer {
		t.Errorf("expected server_error class, got %s", r.Err.Class)
	}
	if r.Answer == "" {
		t.Error("terminal errors must still carry a user-facing answer")
	}
}

func TestLegacyTextAnswersMatchOldestPending(t *testing.T) {
	ch := newFakeChannel(connection.StatusConnected)
	cfg := selectorConfig("http://unreachable.invalid", true)
	cfg.LegacyText = true
	cfg.ChannelTimeout = 5 * time.Second
	sel := NewSelector(ch, request.NewClient(nil, testLogger()), cfg, testLogger())

	first := make(chan Resolution, 1)
	second := make(chan Resolution, 1)
	sel.Send(context.Background(), "msg-1", "first question", nil, func(r Resolution) { first <- r })
	sel.Send(context.Background(), "msg-2", "second question", nil, func(r Resolution) { second <- r })

	ch.mu.Lock()
	sent := append([]string(nil), ch.sentText...)
	ch.mu.Unlock()
	if len(sent) != 2 || sent[0] != "chat:first question" {
		t.Fatalf("unexpected outbound frames %v", sent)
	}

	ch.deliver("answer one")
	ch.deliver("answer two")

	r1 := collectResolution(t, time.Second, first)
	r2 := collectResolution(t, time.Second, second)
	if r1.Answer != "answer one" {
		t.Errorf("first send got %q", r1.Answer)
	}
	if r2.Answer != "answer two" {
		t.Errorf("second send got %q", r2.Answer)
	}
}

func TestUnmatchedAnswersDropped(t *testing.T) {
	ch := newFakeChannel(connection.StatusConnected)
	NewSelector(ch, request.NewClient(nil, testLogger()), selectorConfig("http://unreachable.invalid", true), testLogger())

	// No pending sends: neither delivery may panic or resolve anything.
	ch.deliver(`{"type":"chat_response","id":"ghost","answer":"nobody asked"}`)
	ch.deliver("stray legacy answer")
}
