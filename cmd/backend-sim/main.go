// backend-sim runs the desk backend simulator: chat, health, sandbox and a
// websocket price feed, for developing the client without the real backend.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/optionsdesk/retriever/internal/config"
	"github.com/optionsdesk/retriever/internal/devserver"
	"github.com/optionsdesk/retriever/internal/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	addr := os.Getenv("SIM_ADDR")
	if addr == "" {
		addr = ":8000"
	}

	sim := devserver.New(devserver.Options{
		Available:     true,
		BroadcastSpec: "* * * * * *", // every second
	}, log)
	sim.Start()
	defer sim.Stop()

	// Allowed origins mirror the hosted demo frontends.
	c := cors.New(cors.Options{
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"https://*.lovable.app",
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	server := &http.Server{
		Addr:    addr,
		Handler: c.Handler(sim.Handler()),
	}

	go func() {
		log.Info("backend simulator listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("simulator failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	log.Info("simulator stopped")
}
