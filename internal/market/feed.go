// Package market tracks the live BTC price pushed over the persistent
// channel, with an HTTP probe for when the channel is down.
package market

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/optionsdesk/retriever/internal/logger"
	"github.com/optionsdesk/retriever/internal/request"
)

// PriceSource is the slice of the connection manager the feed needs.
type PriceSource interface {
	OnPrice(func(float64))
}

// Quote is the latest known price and when it was observed.
type Quote struct {
	Price      float64
	ObservedAt time.Time
}

// Stale reports whether the quote is older than maxAge (or absent).
func (q Quote) Stale(maxAge time.Duration) bool {
	return q.ObservedAt.IsZero() || time.Since(q.ObservedAt) > maxAge
}

type priceResponse struct {
	Price float64 `json:"price"`
}

// Feed caches price_update frames and can refresh over HTTP.
type Feed struct {
	rc      *request.Client
	baseURL string
	logger  *logger.Logger

	mu    sync.RWMutex
	quote Quote
}

// NewFeed subscribes to src's price updates.
func NewFeed(src PriceSource, rc *request.Client, baseURL string, log *logger.Logger) *Feed {
	f := &Feed{
		rc:      rc,
		baseURL: baseURL,
		logger:  log.WithComponent("market_feed"),
	}
	src.OnPrice(f.observe)
	return f
}

func (f *Feed) observe(price float64) {
	f.mu.Lock()
	f.quote = Quote{Price: price, ObservedAt: time.Now()}
	f.mu.Unlock()
}

// Quote returns the latest cached quote.
func (f *Feed) Quote() Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.quote
}

// Refresh fetches the price over HTTP and updates the cache. Used when the
// channel has been down long enough for the cache to go stale.
func (f *Feed) Refresh(ctx context.Context) (Quote, error) {
	resp, err := f.rc.Do(ctx, request.Descriptor{
		URL:         f.baseURL + "/market/price",
		Method:      http.MethodGet,
		MaxAttempts: 2,
		BaseDelay:   200 * time.Millisecond,
	})
	if err != nil {
		return f.Quote(), err
	}

	var parsed priceResponse
	if err := resp.Decode(&parsed); err != nil {
		return f.Quote(), err
	}

	f.observe(parsed.Price)
	return f.Quote(), nil
}
