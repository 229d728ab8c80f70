// Command triage-server is the process entrypoint: it builds the
// config, store, classifier and upstream clients once at startup, hands
// them to the supervisor to run one poller per configured city, and
// serves the read-only HTTP surface until a shutdown signal arrives.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ocxlabs/civic-triage/internal/classifier"
	"github.com/ocxlabs/civic-triage/internal/config"
	"github.com/ocxlabs/civic-triage/internal/httpapi"
	"github.com/ocxlabs/civic-triage/internal/metrics"
	"github.com/ocxlabs/civic-triage/internal/poller"
	"github.com/ocxlabs/civic-triage/internal/store"
	"github.com/ocxlabs/civic-triage/internal/upstream"
)

func main() {
	cfg := config.Get()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	st, err := store.New(rootCtx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	upstreamClient := upstream.New(cfg.Cities)
	classifierClient := classifier.New(cfg.OpenAI.APIKey, cfg.OpenAI.Models, "")
	m := metrics.New()

	sup := &poller.Supervisor{
		Cities:       cfg.Cities,
		Fetcher:      upstreamClient,
		Classifier:   classifierClient,
		Store:        st,
		PollInterval: cfg.PollInterval(),
		Metrics:      m,
	}

	go sup.Run(rootCtx)

	cities := make([]string, 0, len(cfg.Cities))
	for city := range cfg.Cities {
		cities = append(cities, city)
	}
	sort.Strings(cities)

	srv := &httpapi.Server{Reader: st, Cities: cities}
	router := httpapi.NewRouter(srv, cfg.APIKeys, cfg.Server.CORSAllowOrigins)
	router.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("triage-server: shutdown signal received")
		rootCancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("triage-server: http shutdown error", "error", err)
		}
	}()

	slog.Info("triage-server: listening", "port", cfg.Server.Port, "cities", cities)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("triage-server: server failed: %v", err)
	}
	slog.Info("triage-server: stopped")
}
