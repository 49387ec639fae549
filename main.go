package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"livetrack.dev/geo"
	"livetrack.dev/server"
	"livetrack.dev/store"
)

const rateWindow = time.Second

type config struct {
	port            string
	dbPath          string
	allowedOrigins  []string
	analyticsSecret string
	rateLimit       int
	retentionDays   int
	cleanupInterval time.Duration
}

func loadConfig() config {
	c := config{
		port:            env("PORT", "3000"),
		dbPath:          env("DB_PATH", "data/locations.db"),
		analyticsSecret: os.Getenv("ANALYTICS_SECRET"),
		rateLimit:       envInt("RATE_LIMIT", 10),
		retentionDays:   envInt("RETENTION_DAYS", 30),
		cleanupInterval: envDuration("CLEANUP_INTERVAL", 24*time.Hour),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.allowedOrigins = append(c.allowedOrigins, o)
			}
		}
	}

	return c
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("[main] ignoring invalid %s=%q", key, v)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("[main] ignoring invalid %s=%q", key, v)
	}
	return def
}

func main() {
	cfg := loadConfig()

	st, err := store.Open(cfg.dbPath)
	if err != nil {
		log.Fatalf("[main] open store: %v", err)
	}
	defer st.Close()

	limiter := geo.NewLimiter(cfg.rateLimit, rateWindow)
	srv := server.New(st, limiter)
	handler := server.NewHandler(srv, st, cfg.analyticsSecret, cfg.allowedOrigins)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// persistence writer
	writerDone := make(chan bool)
	go func() {
		srv.Run(ctx)
		close(writerDone)
	}()

	// retention sweep
	go func() {
		ticker := time.NewTicker(cfg.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := st.Cleanup(cfg.retentionDays); err != nil {
					log.Printf("[main] cleanup: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    ":" + cfg.port,
		Handler: handler.Routes(),
	}

	go func() {
		log.Printf("[main] listening on :%s", cfg.port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Println("[main] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown: %v", err)
	}

	// close live connections, then let the writer drain the persist queue
	srv.Close()
	cancel()
	<-writerDone
}
