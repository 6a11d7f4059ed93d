// Package chat routes assistant messages over the best available transport
// and presents one coherent session log and status to the UI, no matter
// which transport served each exchange.
package chat

import (
	"time"

	"github.com/optionsdesk/retriever/internal/connection"
	"github.com/optionsdesk/retriever/internal/request"
)

// Transport identifies which path produced an answer.
type Transport string

const (
	TransportChannel Transport = "channel"
	TransportHTTP    Transport = "http"
)

// Status is the aggregate session state presented to the UI.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusLoading             Status = "loading"
	StatusOnline              Status = "online"
	StatusFallback            Status = "fallback"
	StatusError               Status = "error"
	StatusChannelConnected    Status = "channel-connected"
	StatusChannelDisconnected Status = "channel-disconnected"
)

// Message is one user/assistant exchange turn. Owned exclusively by the
// session; mutated exactly once when its resolution arrives.
type Message struct {
	ID         string
	Question   string
	Answer     string
	Confidence *float64
	Error      bool
	Transport  Transport
	CreatedAt  time.Time
}

// Resolved reports whether the turn has received its answer or failure.
func (m *Message) Resolved() bool {
	return m.Answer != "" || m.Error
}

// Resolution is the single terminal outcome of a sent message.
type Resolution struct {
	Answer     string
	Confidence *float64
	Sources    []string
	Transport  Transport
	Err        *request.Error // hard transport failure; Answer carries the user-visible line
}

// ChatRequest is the HTTP body for POST /gr2/chat and /chat.
type ChatRequest struct {
	Message     string                 `json:"message"`
	ScreenState map[string]interface{} `json:"screen_state,omitempty"`
}

// ChatResponse is the backend's answer shape.
type ChatResponse struct {
	Answer      string   `json:"answer"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Sources     []string `json:"sources,omitempty"`
	JargonTerms []string `json:"jargon_terms,omitempty"`
}

// HealthResponse is the GET /gr2/health shape.
type HealthResponse struct {
	Available bool `json:"available"`
}

// Channel is the persistent-channel surface the selector and session need.
// *connection.Manager satisfies it; tests substitute fakes.
type Channel interface {
	Status() connection.Status
	Connect()
	SendJSON(v interface{}) error
	SendText(text string) error
	OnMessage(func([]byte))
	OnStatus(func(connection.Status))
}
