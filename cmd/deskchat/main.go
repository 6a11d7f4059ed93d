// deskchat is an interactive terminal client for the options desk's Golden
// Retriever assistant: it keeps the persistent price channel alive, routes
// chat through the best transport and falls back to HTTP when needed.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/optionsdesk/retriever/internal/chat"
	"github.com/optionsdesk/retriever/internal/config"
	"github.com/optionsdesk/retriever/internal/connection"
	"github.com/optionsdesk/retriever/internal/history"
	"github.com/optionsdesk/retriever/internal/logger"
	"github.com/optionsdesk/retriever/internal/market"
	"github.com/optionsdesk/retriever/internal/metrics"
	"github.com/optionsdesk/retriever/internal/request"
	"github.com/optionsdesk/retriever/internal/sandbox"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := request.NewClient(nil, log)

	manager := connection.NewManager(cfg.WSURL, connection.Policy{
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		BaseInterval: cfg.Reconnect.BaseInterval,
		MaxInterval:  cfg.Reconnect.MaxInterval,
		Jitter:       cfg.Reconnect.Jitter,
	}, nil, log)
	defer manager.Close()

	feed := market.NewFeed(manager, rc, cfg.BackendURL, log)

	var opts []chat.SessionOption
	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			log.Error("cannot open history store", "path", cfg.HistoryPath, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, chat.WithRecorder(store))
	}

	session := chat.NewSession(manager, rc, chat.SelectorConfig{
		BaseURL:        cfg.BackendURL,
		PreferChannel:  cfg.PreferChannelForChat,
		LegacyText:     cfg.LegacyTextChat,
		ChannelTimeout: cfg.ChannelTimeout,
		Retry:          cfg.Retry,
	}, log, opts...)

	session.OnStatus(func(s chat.Status) {
		log.Debug("session status changed", "status", string(s))
	})

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	trader := sandbox.NewService(rc, cfg.BackendURL, cfg.Retry, log)

	manager.Connect()

	fmt.Println("deskchat — ask about options, /trade, /status, /price, /retry, /clear, /quit")
	repl(ctx, session, feed, manager, trader)
}

// serveMetrics runs the observability sidecar: Prometheus metrics and a
// liveness probe.
func serveMetrics(addr string, log *logger.Logger) {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	log.Info("metrics sidecar listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("metrics sidecar failed", "error", err)
	}
}

func repl(ctx context.Context, session *chat.Session, feed *market.Feed, manager *connection.Manager, trader *sandbox.Service) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/clear":
			session.Clear()
			fmt.Println("log cleared")
		case line == "/retry":
			session.RetryConnection(ctx)
			fmt.Printf("status: %s\n", session.Status())
		case line == "/status":
			fmt.Printf("session: %s, channel: %s\n", session.Status(), manager.Status())
		case line == "/price":
			printPrice(ctx, feed)
		case strings.HasPrefix(line, "/trade"):
			execTrade(ctx, trader, feed, strings.Fields(line)[1:])
		default:
			ask(ctx, session, line)
		}
	}
}

func printPrice(ctx context.Context, feed *market.Feed) {
	quote := feed.Quote()
	if quote.Stale(10 * time.Second) {
		refreshed, err := feed.Refresh(ctx)
		if err != nil {
			fmt.Println("price unavailable:", err)
			return
		}
		quote = refreshed
	}
	fmt.Printf("BTC %.2f (as of %s)\n", quote.Price, quote.ObservedAt.Format(time.Kitchen))
}

// execTrade submits a simulated option trade: /trade <call|put> <buy|sell>
// [strike]. The strike defaults to the last known price.
func execTrade(ctx context.Context, trader *sandbox.Service, feed *market.Feed, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: /trade <call|put> <buy|sell> [strike]")
		return
	}
	optionType, side := args[0], args[1]
	if (optionType != "call" && optionType != "put") || (side != "buy" && side != "sell") {
		fmt.Println("usage: /trade <call|put> <buy|sell> [strike]")
		return
	}

	strike := feed.Quote().Price
	if len(args) >= 3 {
		if _, err := fmt.Sscanf(args[2], "%f", &strike); err != nil {
			fmt.Println("bad strike:", args[2])
			return
		}
	}
	if strike == 0 {
		fmt.Println("no strike given and no price known yet, try /price first")
		return
	}

	result, err := trader.ExecuteTrade(ctx, sandbox.TradeRequest{
		UserID:        "deskchat",
		OptionType:    optionType,
		Strike:        strike,
		ExpiryMinutes: 60,
		Quantity:      0.1,
		Side:          side,
	})
	if err != nil {
		fmt.Println("trade failed:", err)
		return
	}
	fmt.Printf("%s (position %s)\n", result.Message, result.PositionID)
}

// ask sends one question and waits for its resolution, polling the session
// log. The deadline leaves room for channel timeout plus HTTP retries.
func ask(ctx context.Context, session *chat.Session, text string) {
	id := session.Send(ctx, text, map[string]interface{}{"screen": "deskchat"})

	deadline := time.After(60 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			fmt.Println("(no answer yet, still waiting in background)")
			return
		case <-ticker.C:
			for _, m := range session.Messages() {
				if m.ID != id || !m.Resolved() {
					continue
				}
				if m.Error {
					fmt.Printf("! %s\n", m.Answer)
				} else if m.Confidence != nil && *m.Confidence == 0 {
					fmt.Printf("~ %s\n", m.Answer)
				} else {
					fmt.Printf("%s\n", m.Answer)
				}
				fmt.Printf("  [%s, status %s]\n", m.Transport, session.Status())
				return
			}
		}
	}
}
