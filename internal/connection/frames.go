package connection

import "encoding/json"

// Frame kinds recognized on the wire.
const (
	FrameTypePriceUpdate  = "price_update"
	FrameTypeChat         = "chat"
	FrameTypeChatResponse = "chat_response"
)

// Frame is the JSON envelope exchanged on the channel.
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PriceData is the payload of a price_update frame.
type PriceData struct {
	Price float64 `json:"price"`
}

// ChatCommand is the outbound chat frame when the channel carries chat.
type ChatCommand struct {
	Type        string                 `json:"type"`
	ID          string                 `json:"id"`
	Message     string                 `json:"message"`
	ScreenState map[string]interface{} `json:"screen_state,omitempty"`
}

// ChatAnswer is the inbound chat_response payload.
type ChatAnswer struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	Answer     string   `json:"answer"`
	Confidence *float64 `json:"confidence,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}
