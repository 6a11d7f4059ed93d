package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/optionsdesk/retriever/internal/connection"
	"github.com/optionsdesk/retriever/internal/logger"
	"github.com/optionsdesk/retriever/internal/request"
)

const genericErrorAnswer = "Something went wrong while answering. Please try again."

// Recorder persists resolved exchanges. Nil disables persistence.
type Recorder interface {
	Record(m Message) error
}

// Session owns the ordered message log and the aggregate status. The UI
// reads the log and issues commands; it never mutates state directly.
type Session struct {
	selector *Selector
	channel  Channel
	rc       *request.Client
	cfg      SelectorConfig
	recorder Recorder
	logger   *logger.Logger

	mu       sync.Mutex
	messages []*Message
	index    map[string]*Message
	status   Status
	inFlight int

	onStatus func(Status)
}

// SessionOption customizes a session.
type SessionOption func(*Session)

// WithRecorder attaches a transcript recorder.
func WithRecorder(r Recorder) SessionOption {
	return func(s *Session) { s.recorder = r }
}

// NewSession builds a session around an injected channel and request client.
// The channel's lifecycle belongs to the caller; the session only observes
// it and asks it to reconnect.
func NewSession(channel Channel, rc *request.Client, cfg SelectorConfig, log *logger.Logger, opts ...SessionOption) *Session {
	s := &Session{
		selector: NewSelector(channel, rc, cfg, log),
		channel:  channel,
		rc:       rc,
		cfg:      cfg,
		logger:   log.WithComponent("chat_session"),
		index:    make(map[string]*Message),
		status:   StatusIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	channel.OnStatus(s.handleChannelStatus)
	return s
}

// OnStatus registers a single status observer for the UI.
func (s *Session) OnStatus(h func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = h
}

// Status returns the current aggregate session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Messages returns a snapshot of the log in submission order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// Send appends a new message, sets the session loading and routes the text
// through the transport selector. The returned id identifies the message in
// the log; resolution arrives asynchronously.
func (s *Session) Send(ctx context.Context, text string, screen map[string]interface{}) string {
	msg := &Message{
		ID:        uuid.NewString(),
		Question:  text,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.index[msg.ID] = msg
	s.inFlight++
	s.setStatusLocked(StatusLoading)
	s.mu.Unlock()

	ctx = context.WithValue(ctx, logger.ContextKeyMessageID, msg.ID)
	ctx = context.WithValue(ctx, logger.ContextKeyOperation, "chat")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic during message resolution", "message_id", msg.ID, "panic", r)
				s.resolve(msg.ID, Resolution{
					Answer:    genericErrorAnswer,
					Transport: TransportHTTP,
					Err:       &request.Error{Class: request.ClassNetwork, Message: "panic during resolution"},
				})
			}
		}()
		s.selector.Send(ctx, msg.ID, text, screen, func(res Resolution) {
			s.resolve(msg.ID, res)
		})
	}()

	return msg.ID
}

// resolve applies the single terminal outcome for a message. Resolutions
// for ids no longer in the log (cleared) are dropped silently.
func (s *Session) resolve(id string, res Resolution) {
	s.mu.Lock()
	msg, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("resolution for cleared message dropped", "message_id", id)
		return
	}
	if msg.Resolved() {
		s.mu.Unlock()
		s.logger.Debug("duplicate resolution dropped", "message_id", id)
		return
	}

	msg.Answer = res.Answer
	msg.Confidence = res.Confidence
	msg.Transport = res.Transport
	msg.Error = res.Err != nil

	if s.inFlight > 0 {
		s.inFlight--
	}

	switch {
	case res.Err != nil:
		s.setStatusLocked(StatusError)
	case res.Confidence != nil && *res.Confidence == 0:
		// A zero-confidence answer is a soft failure: degraded, not broken.
		s.setStatusLocked(StatusFallback)
	default:
		s.setStatusLocked(StatusOnline)
	}

	snapshot := *msg
	recorder := s.recorder
	s.mu.Unlock()

	if recorder != nil {
		go func() {
			if err := recorder.Record(snapshot); err != nil {
				s.logger.Warn("transcript record failed", "message_id", snapshot.ID, "error", err)
			}
		}()
	}
}

// Clear atomically empties the log and resets the status. In-flight
// resolutions arriving afterwards are dropped.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.index = make(map[string]*Message)
	s.inFlight = 0
	s.setStatusLocked(StatusIdle)
}

// RetryConnection probes the backend over HTTP and, regardless of the probe
// outcome, asks the persistent channel to reconnect.
func (s *Session) RetryConnection(ctx context.Context) {
	s.mu.Lock()
	s.setStatusLocked(StatusLoading)
	s.mu.Unlock()

	ctx = context.WithValue(ctx, logger.ContextKeyOperation, "retry_connection")
	resp, err := s.rc.Do(ctx, request.Descriptor{
		URL:         s.cfg.BaseURL + "/gr2/health",
		Method:      http.MethodGet,
		MaxAttempts: 1,
	})

	next := StatusFallback
	if err == nil {
		var health HealthResponse
		if derr := resp.Decode(&health); derr == nil && health.Available {
			next = StatusOnline
		}
	}

	s.mu.Lock()
	s.setStatusLocked(next)
	s.mu.Unlock()

	s.channel.Connect()
}

// handleChannelStatus surfaces channel-only transitions when no message is
// in flight.
func (s *Session) handleChannelStatus(cs connection.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 || s.status == StatusLoading {
		return
	}

	switch cs {
	case connection.StatusConnected:
		s.setStatusLocked(StatusChannelConnected)
	case connection.StatusDisconnected, connection.StatusError:
		s.setStatusLocked(StatusChannelDisconnected)
	}
}

// setStatusLocked records a transition and notifies the observer. Caller
// holds mu.
func (s *Session) setStatusLocked(next Status) {
	if s.status == next {
		return
	}
	s.status = next
	if s.onStatus != nil {
		h := s.onStatus
		status := next
		go h(status)
	}
}
