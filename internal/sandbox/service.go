// Package sandbox is the thin trading glue: typed calls to the demo desk's
// sandbox endpoints over the resilient request client.
package sandbox

import (
	"context"
	"net/http"

	"github.com/optionsdesk/retriever/internal/config"
	"github.com/optionsdesk/retriever/internal/logger"
	"github.com/optionsdesk/retriever/internal/request"
)

// TradeRequest mirrors POST /sandbox/trades/execute.
type TradeRequest struct {
	UserID        string  `json:"user_id"`
	OptionType    string  `json:"option_type"` // call | put
	Strike        float64 `json:"strike"`
	ExpiryMinutes int     `json:"expiry_minutes"`
	Quantity      float64 `json:"quantity"`
	Side          string  `json:"side"` // buy | sell
}

// TradeResult is the backend's execution outcome.
type TradeResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	PositionID string `json:"position_id,omitempty"`
}

// Position is one leg of a synthetic account.
type Position struct {
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entry_price"`
}

// AccountUpdate mirrors POST /sandbox/update-account.
type AccountUpdate struct {
	AccountID string     `json:"account_id"`
	Platform  string     `json:"platform"`
	Positions []Position `json:"positions"`
}

// Service wraps the sandbox endpoints.
type Service struct {
	rc      *request.Client
	baseURL string
	retry   config.RetryPolicy
	logger  *logger.Logger
}

// NewService creates the sandbox client.
func NewService(rc *request.Client, baseURL string, retry config.RetryPolicy, log *logger.Logger) *Service {
	return &Service{
		rc:      rc,
		baseURL: baseURL,
		retry:   retry,
		logger:  log.WithComponent("sandbox"),
	}
}

// ExecuteTrade submits a simulated option trade. Classified errors pass
// through to the caller untouched.
func (s *Service) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	resp, err := s.rc.Do(ctx, request.Descriptor{
		URL:         s.baseURL + "/sandbox/trades/execute",
		Method:      http.MethodPost,
		Body:        req,
		MaxAttempts: s.retry.MaxAttempts,
		BaseDelay:   s.retry.BaseDelay,
		MaxDelay:    s.retry.MaxDelay,
		Jitter:      s.retry.Jitter,
	})
	if err != nil {
		return nil, err
	}

	var result TradeResult
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}

	s.logger.Info("trade executed",
		"user_id", req.UserID,
		"option_type", req.OptionType,
		"side", req.Side,
		"success", result.Success)
	return &result, nil
}

// UpdateAccount pushes a synthetic account snapshot.
func (s *Service) UpdateAccount(ctx context.Context, update AccountUpdate) error {
	_, err := s.rc.Do(ctx, request.Descriptor{
		URL:         s.baseURL + "/sandbox/update-account",
		Method:      http.MethodPost,
		Body:        update,
		MaxAttempts: s.retry.MaxAttempts,
		BaseDelay:   s.retry.BaseDelay,
		MaxDelay:    s.retry.MaxDelay,
		Jitter:      s.retry.Jitter,
	})
	return err
}
