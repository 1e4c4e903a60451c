package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	httpx "github.com/splax/buildrelay/internal/http"
	"github.com/splax/buildrelay/internal/service/dispatch"
	"github.com/splax/buildrelay/internal/service/ingest"
	"github.com/splax/buildrelay/internal/service/relay"
	"github.com/splax/buildrelay/internal/service/report"
	"github.com/splax/buildrelay/internal/store"
	"github.com/splax/buildrelay/internal/ws"
	"github.com/splax/buildrelay/pkg/config"
	"github.com/splax/buildrelay/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadRelayConfig()
	log := logger.New("relay", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New()
	hub := ws.NewHub(st.Metrics())
	defer hub.Close()

	ci := dispatch.NewClient(cfg.CITriggerURL, log)
	relaySvc := relay.New(st, hub, ci, log, cfg.CIToken)
	ingestSvc := ingest.New(st, hub, log)
	reporter := report.New(st.Metrics(), hub, log, cfg.MetricsInterval)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, relaySvc, ingestSvc, hub, st, limiter, cfg.SocketSecret, cfg.BuildsDir)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("relay server starting", "addr", cfg.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		reporter.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("relay server stopped")
}
