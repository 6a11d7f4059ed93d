// Package metrics exposes Prometheus counters for the desk client's network
// behavior: retries, classified failures, reconnects and chat fallbacks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retriever",
		Name:      "request_retries_total",
		Help:      "Number of HTTP request attempts beyond the first.",
	})

	RequestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retriever",
		Name:      "request_failures_total",
		Help:      "Terminal request failures by error class.",
	}, []string{"class"})

	ChannelReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retriever",
		Name:      "channel_reconnects_total",
		Help:      "Reconnect attempts scheduled for the persistent channel.",
	})

	ChannelFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retriever",
		Name:      "channel_frames_total",
		Help:      "Inbound channel frames by kind (ping, price_update, chat, malformed).",
	}, []string{"kind"})

	ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retriever",
		Name:      "chat_messages_total",
		Help:      "Resolved chat messages by transport (channel, http).",
	}, []string{"transport"})

	ChatFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retriever",
		Name:      "chat_fallbacks_total",
		Help:      "Chat messages that fell back from the channel to HTTP.",
	})
)

// Handler serves the default registry, for the observability sidecar.
func Handler() http.Handler {
	return promhttp.Handler()
}
