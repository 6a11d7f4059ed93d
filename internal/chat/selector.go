package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/optionsdesk/retriever/internal/config"
	"github.com/optionsdesk/retriever/internal/connection"
	"github.com/optionsdesk/retriever/internal/logger"
	"github.com/optionsdesk/retriever/internal/metrics"
	"github.com/optionsdesk/retriever/internal/request"
)

// SelectorConfig shapes transport choice for chat messages.
type SelectorConfig struct {
	BaseURL        string
	PreferChannel  bool          // use the websocket for chat when connected
	LegacyText     bool          // "chat:<msg>" frames instead of JSON commands
	ChannelTimeout time.Duration // wait for a channel answer before HTTP fallback
	Retry          config.RetryPolicy
}

// pendingSend tracks one in-flight channel message. resolved flips exactly
// once; whichever of the answer handler and the fallback timer flips it
// owns the resolution.
type pendingSend struct {
	id      string
	legacy  bool
	timer   *time.Timer
	resolve func(Resolution)
}

// Selector routes each chat message through the persistent channel when it
// is connected, falling back to HTTP on timeout or channel unavailability.
// Exactly one resolution path executes per message.
type Selector struct {
	channel Channel
	rc      *request.Client
	cfg     SelectorConfig
	logger  *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingSend
	// legacyOrder preserves submission order for plain-text answers, which
	// carry no message id.
	legacyOrder []string
}

// NewSelector wires the selector to a channel and a request client. It
// registers its answer handler on the channel once, here.
func NewSelector(channel Channel, rc *request.Client, cfg SelectorConfig, log *logger.Logger) *Selector {
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 10 * time.Second
	}
	s := &Selector{
		channel: channel,
		rc:      rc,
		cfg:     cfg,
		logger:  log.WithComponent("chat_selector"),
		pending: make(map[string]*pendingSend),
	}
	channel.OnMessage(s.handleChannelMessage)
	return s
}

// Send routes one message. resolve is invoked exactly once, from whichever
// transport terminates first. Blocking work happens on the caller's
// goroutine only for the HTTP path; the channel path returns immediately.
func (s *Selector) Send(ctx context.Context, id, text string, screen map[string]interface{}, resolve func(Resolution)) {
	if s.cfg.PreferChannel && s.channel.Status() == connection.StatusConnected {
		if s.sendOverChannel(ctx, id, text, screen, resolve) {
			return
		}
	}
	resolve(s.sendOverHTTP(ctx, text, screen))
}

// sendOverChannel attempts the channel path. Returns false if the write
// failed, in which case the caller falls back immediately.
func (s *Selector) sendOverChannel(ctx context.Context, id, text string, screen map[string]interface{}, resolve func(Resolution)) bool {
	p := &pendingSend{id: id, legacy: s.cfg.LegacyText, resolve: resolve}

	s.mu.Lock()
	s.pending[id] = p
	if p.legacy {
		s.legacyOrder = append(s.legacyOrder, id)
	}
	s.mu.Unlock()

	var err error
	if s.cfg.LegacyText {
		err = s.channel.SendText("chat:" + text)
	} else {
		err = s.channel.SendJSON(connection.ChatCommand{
			Type:        connection.FrameTypeChat,
			ID:          id,
			Message:     text,
			ScreenState: screen,
		})
	}
	if err != nil {
		s.logger.Warn("channel send failed, falling back", "message_id", id, "error", err)
		s.take(id)
		return false
	}

	// Disarmed the instant a matching answer lands; firing commits the
	// message to the fallback path and late channel answers are discarded.
	p.timer = time.AfterFunc(s.cfg.ChannelTimeout, func() {
		if s.take(id) == nil {
			return
		}
		s.logger.Info("channel answer timed out, falling back", "message_id", id)
		metrics.ChatFallbacks.Inc()
		resolve(s.sendOverHTTP(ctx, text, screen))
	})
	return true
}

// take removes and returns the pending entry for id, or nil if another path
// already claimed it. This is the exactly-once commit point.
func (s *Selector) take(id string) *pendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	for i, lid := range s.legacyOrder {
		if lid == id {
			s.legacyOrder = append(s.legacyOrder[:i], s.legacyOrder[i+1:]...)
			break
		}
	}
	return p
}

// takeOldestLegacy claims the oldest pending legacy send, for plain-text
// answers that carry no id.
func (s *Selector) takeOldestLegacy() *pendingSend {
	s.mu.Lock()
	var id string
	for _, lid := range s.legacyOrder {
		if _, ok := s.pending[lid]; ok {
			id = lid
			break
		}
	}
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	return s.take(id)
}

// handleChannelMessage consumes payload frames from the channel and matches
// them to pending sends. Unmatched answers are dropped.
func (s *Selector) handleChannelMessage(payload []byte) {
	var answer connection.ChatAnswer
	if err := json.Unmarshal(payload, &answer); err == nil && answer.Type == connection.FrameTypeChatResponse {
		p := s.take(answer.ID)
		if p == nil {
			s.logger.Debug("late or unmatched channel answer dropped", "message_id", answer.ID)
			return
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		metrics.ChatMessages.WithLabelValues(string(TransportChannel)).Inc()
		p.resolve(Resolution{
			Answer:     answer.Answer,
			Confidence: answer.Confidence,
			Sources:    answer.Sources,
			Transport:  TransportChannel,
		})
		return
	}

	// Legacy plain-text answer: belongs to the oldest pending legacy send.
	p := s.takeOldestLegacy()
	if p == nil {
		s.logger.Debug("legacy answer with no pending send dropped")
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	metrics.ChatMessages.WithLabelValues(string(TransportChannel)).Inc()
	p.resolve(Resolution{
		Answer:    string(payload),
		Transport: TransportChannel,
	})
}

// sendOverHTTP runs the request-based path. It never returns an unhandled
// failure: a terminal classified error becomes a user-visible resolution.
func (s *Selector) sendOverHTTP(ctx context.Context, text string, screen map[string]interface{}) Resolution {
	ctx = context.WithValue(ctx, logger.ContextKeyTransport, string(TransportHTTP))
	body := ChatRequest{Message: text, ScreenState: screen}

	resp, err := s.rc.Do(ctx, request.Descriptor{
		URL:         s.cfg.BaseURL + "/gr2/chat",
		Method:      http.MethodPost,
		Body:        body,
		MaxAttempts: s.cfg.Retry.MaxAttempts,
		BaseDelay:   s.cfg.Retry.BaseDelay,
		MaxDelay:    s.cfg.Retry.MaxDelay,
		Jitter:      s.cfg.Retry.Jitter,
	})

	// Older deployments only expose the unprefixed path.
	if err != nil && request.AsError(err).Class == request.ClassNotFound {
		resp, err = s.rc.Do(ctx, request.Descriptor{
			URL:         s.cfg.BaseURL + "/chat",
			Method:      http.MethodPost,
			Body:        body,
			MaxAttempts: 1,
		})
	}

	if err != nil {
		rerr := request.AsError(err)
		return Resolution{
			Answer:    rerr.Class.UserMessage(),
			Transport: TransportHTTP,
			Err:       rerr,
		}
	}

	var parsed ChatResponse
	if derr := resp.Decode(&parsed); derr != nil {
		rerr := &request.Error{Class: request.ClassServer, Attempts: 1, Message: "malformed chat response", Err: derr}
		return Resolution{
			Answer:    rerr.Class.UserMessage(),
			Transport: TransportHTTP,
			Err:       rerr,
		}
	}

	metrics.ChatMessages.WithLabelValues(string(TransportHTTP)).Inc()
	return Resolution{
		Answer:     parsed.Answer,
		Confidence: parsed.Confidence,
		Sources:    parsed.Sources,
		Transport:  TransportHTTP,
	}
}
