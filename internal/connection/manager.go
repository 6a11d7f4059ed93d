// Package connection owns the single persistent websocket channel to the
// desk backend: dialing, the reconnect state machine, keep-alive and frame
// dispatch. Only this package opens, closes or writes to the socket.
package connection

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/optionsdesk/retriever/internal/logger"
	"github.com/optionsdesk/retriever/internal/metrics"
)

// Status is the lifecycle state of the logical connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Policy bounds automatic reconnection.
type Policy struct {
	MaxAttempts  int
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Jitter       time.Duration
}

// DefaultPolicy matches the backend's expectations: five attempts, capped
// exponential backoff starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		BaseInterval: time.Second,
		MaxInterval:  30 * time.Second,
		Jitter:       time.Second,
	}
}

// Dialer abstracts socket dialing so tests can fail or redirect connections.
// websocket.DefaultDialer satisfies it.
type Dialer interface {
	Dial(urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type eventKind int

const (
	eventStatus eventKind = iota
	eventMessage
	eventPrice
)

type event struct {
	kind    eventKind
	status  Status
	payload []byte
	price   float64
}

// Manager is the reconnecting websocket state machine. At most one socket is
// live at a time; stale read loops and timers are fenced by a generation
// counter.
type Manager struct {
	url    string
	policy Policy
	dialer Dialer
	logger *logger.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	status        Status
	attempts      int
	lastErr       string
	generation    int
	reconnectTmr  *time.Timer
	autoReconnect bool
	closed        bool

	writeMu sync.Mutex

	statusHandlers  []func(Status)
	messageHandlers []func([]byte)
	priceHandlers   []func(float64)

	events chan event
	done   chan struct{}
}

// NewManager creates a manager for the given websocket URL. It does not dial
// until Connect is called.
func NewManager(url string, policy Policy, dialer Dialer, log *logger.Logger) *Manager {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if policy.BaseInterval <= 0 {
		policy.BaseInterval = time.Second
	}
	m := &Manager{
		url:    url,
		policy: policy,
		dialer: dialer,
		logger: log.WithComponent("connection_manager"),
		status: StatusDisconnected,
		events: make(chan event, 256),
		done:   make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// dispatch delivers events to handlers in arrival order, on a single
// goroutine. It stops at Close, so no callback fires after teardown.
func (m *Manager) dispatch() {
	for {
		select {
		case ev := <-m.events:
			m.mu.Lock()
			closed := m.closed
			var statusHs []func(Status)
			var messageHs []func([]byte)
			var priceHs []func(float64)
			switch ev.kind {
			case eventStatus:
				statusHs = append(statusHs, m.statusHandlers...)
			case eventMessage:
				messageHs = append(messageHs, m.messageHandlers...)
			case eventPrice:
				priceHs = append(priceHs, m.priceHandlers...)
			}
			m.mu.Unlock()
			if closed {
				return
			}
			for _, h := range statusHs {
				h(ev.status)
			}
			for _, h := range messageHs {
				h(ev.payload)
			}
			for _, h := range priceHs {
				h(ev.price)
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) emit(ev event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event queue full, dropping event")
	}
}

// OnStatus registers a status transition handler.
func (m *Manager) OnStatus(h func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusHandlers = append(m.statusHandlers, h)
}

// OnMessage registers a handler for payload frames (chat answers, legacy
// text). Keep-alive frames are never surfaced.
func (m *Manager) OnMessage(h func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageHandlers = append(m.messageHandlers, h)
}

// OnPrice registers a handler for price_update frames.
func (m *Manager) OnPrice(h func(float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceHandlers = append(m.priceHandlers, h)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastError returns the most recent connection error message, if any.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Attempts returns the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the channel. It is a no-op while a dial is pending or a
// socket is live, and re-enables auto-reconnect after a manual Disconnect.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}
	if m.reconnectTmr != nil {
		m.reconnectTmr.Stop()
		m.reconnectTmr = nil
	}
	m.autoReconnect = true
	m.generation++
	gen := m.generation
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	go m.dial(gen)
}

func (m *Manager) dial(gen int) {
	conn, resp, err := m.dialer.Dial(m.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.logger.Warn("dial failed", "url", m.url, "error", err)
		m.lastErr = err.Error()
		m.scheduleReconnectLocked(gen)
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.lastErr = ""
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	m.logger.Info("channel connected", "url", m.url)
	go m.readLoop(gen, conn)
}

// readLoop consumes frames until the socket errors out, then hands the
// failure back to the state machine.
func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(gen, err)
			return
		}
		if msgType != websocket.TextMessage {
			metrics.ChannelFrames.WithLabelValues("malformed").Inc()
			m.logger.Debug("dropping non-text frame", "type", msgType)
			continue
		}
		m.handleFrame(payload)
	}
}

func (m *Manager) handleFrame(payload []byte) {
	text := string(payload)

	// Keep-alive is answered in place and never surfaced.
	if text == "ping" {
		metrics.ChannelFrames.WithLabelValues("ping").Inc()
		if err := m.SendText("pong"); err != nil {
			m.logger.Debug("pong failed", "error", err)
		}
		return
	}
	if text == "pong" {
		return
	}

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err == nil && frame.Type != "" {
		switch frame.Type {
		case FrameTypePriceUpdate:
			var data PriceData
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				metrics.ChannelFrames.WithLabelValues("malformed").Inc()
				m.logger.Warn("malformed price_update frame dropped", "error", err)
				return
			}
			metrics.ChannelFrames.WithLabelValues("price_update").Inc()
			m.emit(event{kind: eventPrice, price: data.Price})
		case FrameTypeChatResponse:
			metrics.ChannelFrames.WithLabelValues("chat").Inc()
			m.emit(event{kind: eventMessage, payload: payload})
		default:
			metrics.ChannelFrames.WithLabelValues("malformed").Inc()
			m.logger.Warn("unrecognized frame type dropped", "type", frame.Type)
		}
		return
	}

	// Legacy plain-text chat answer.
	metrics.ChannelFrames.WithLabelValues("chat").Inc()
	m.emit(event{kind: eventMessage, payload: payload})
}

// handleClosed runs when the socket drops while connected.
func (m *Manager) handleClosed(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.generation {
		return
	}

	m.logger.Warn("channel closed", "error", err)
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.lastErr = err.Error()
	m.scheduleReconnectLocked(gen)
}

// scheduleReconnectLocked decides between reconnecting, disconnected and
// error. Caller holds mu.
func (m *Manager) scheduleReconnectLocked(gen int) {
	if !m.autoReconnect {
		m.attempts = 0
		m.setStatusLocked(StatusDisconnected)
		return
	}

	if m.attempts >= m.policy.MaxAttempts {
		m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts)
		m.setStatusLocked(StatusError)
		return
	}

	m.attempts++
	delay := reconnectDelay(m.policy, m.attempts)
	m.setStatusLocked(StatusReconnecting)
	metrics.ChannelReconnects.Inc()
	m.logger.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)

	m.reconnectTmr = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed || !m.autoReconnect || gen != m.generation {
			m.mu.Unlock()
			return
		}
		m.generation++
		next := m.generation
		m.reconnectTmr = nil
		m.setStatusLocked(StatusConnecting)
		m.mu.Unlock()

		m.dial(next)
	})
}

func reconnectDelay(p Policy, attempt int) time.Duration {
	delay := p.BaseInterval << (attempt - 1)
	if delay < p.BaseInterval { // overflow
		delay = p.MaxInterval
	}
	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}

// Disconnect tears the channel down and suppresses auto-reconnect until the
// next explicit Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.autoReconnect = false
	if m.reconnectTmr != nil {
		m.reconnectTmr.Stop()
		m.reconnectTmr = nil
	}
	m.generation++
	if m.conn != nil {
		m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		m.conn.Close()
		m.conn = nil
	}
	m.attempts = 0
	if m.status != StatusDisconnected {
		m.setStatusLocked(StatusDisconnected)
	}
}

// Close tears everything down. No handler is invoked afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.autoReconnect = false
	if m.reconnectTmr != nil {
		m.reconnectTmr.Stop()
		m.reconnectTmr = nil
	}
	m.generation++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
	close(m.done)
}

// setStatusLocked records a transition and queues the notification. Caller
// holds mu.
func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.emit(event{kind: eventStatus, status: s})
}

// SendJSON writes a JSON frame to the channel.
func (m *Manager) SendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.write(websocket.TextMessage, payload)
}

// SendText writes a raw text frame, used for the legacy "chat:<message>"
// form and keep-alive replies.
func (m *Manager) SendText(text string) error {
	return m.write(websocket.TextMessage, []byte(text))
}

func (m *Manager) write(msgType int, payload []byte) error {
	m.mu.Lock()
	conn := m.conn
	status := m.status
	m.mu.Unlock()

	if conn == nil || status != StatusConnected {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(msgType, payload)
}
