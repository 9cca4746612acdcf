package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nichemap/server/internal/api"
	"github.com/nichemap/server/internal/cache"
	"github.com/nichemap/server/internal/config"
	"github.com/nichemap/server/internal/nichestore"
	"github.com/nichemap/server/internal/render"
	"github.com/nichemap/server/internal/service"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "path to the server configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Server] load config: %v", err)
	}

	caches, err := cache.New(cache.Config{
		MapTTL:       time.Duration(cfg.Cache.MapTTLSeconds) * time.Second,
		MapMaxMB:     cfg.Cache.MapMaxMB,
		QueryEntries: cfg.Cache.QueryEntries,
	})
	if err != nil {
		log.Fatalf("[Server] init caches: %v", err)
	}
	defer caches.Close()

	renderer := render.NewMapRenderer(cfg.Render.MapSize, cfg.Render.PointRadius)

	registry, err := api.NewDatasetRegistry(cfg, renderer, caches)
	if err != nil {
		log.Fatalf("[Server] open datasets: %v", err)
	}
	log.Printf("[Server] serving %d datasets (default %s)", len(registry.IDs()), registry.DefaultID())

	store, err := nichestore.Open(cfg.Niche.DBPath)
	if err != nil {
		log.Fatalf("[Server] open niche store: %v", err)
	}
	defer store.Close()

	niches := service.NewNicheService(store, registry, cfg.Niche.Workers)
	jobs := api.NewJobManager(store, niches.ExecuteNicheJob, cfg.Niche.Workers,
		time.Duration(cfg.Niche.RetentionHours)*time.Hour,
		time.Duration(cfg.Niche.CleanupIntervalMin)*time.Minute)
	if err := jobs.Start(); err != nil {
		log.Fatalf("[Server] start job manager: %v", err)
	}

	router := api.NewRouter(registry, store, jobs, niches, caches, cfg.Server.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[Server] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Server] listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Printf("[Server] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}
	jobs.Stop()
	log.Printf("[Server] stopped")
}
