package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/bus"
	"github.com/mossy-p/call-signaling/internal/echo"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/logger"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/mossy-p/call-signaling/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.Must(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics("call-signaling")

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer closeStore()
	log.Info("Session store ready", zap.String("store", cfg.Calls.Store))

	b := bus.New(st, log, bus.WithObserver(m))
	defer b.Close()

	svc := signaling.NewService(st, b, log,
		signaling.WithMetrics(m),
		signaling.WithRingTimeout(cfg.Calls.RingTimeout),
		signaling.WithMaxSessionAge(cfg.Calls.MaxSessionAge),
		signaling.WithJanitorInterval(cfg.Calls.JanitorInterval),
	)
	go svc.RunJanitor(ctx)

	if cfg.EchoUserID != "" {
		peers, err := media.NewPeerFactory(cfg.ICEServers, log)
		if err != nil {
			log.Fatal("Failed to set up media", zap.Error(err))
		}
		participant := echo.New(cfg.EchoUserID, svc, media.LoopbackSource{}, peers, log)
		participant.Start(ctx)
		defer participant.Close()
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Service:        svc,
		Metrics:        m,
		Log:            log,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("Starting call signaling server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}

// openStore picks the session store named by CALL_STORE
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.Calls.Store != "redis" {
		return store.NewMemory(), func() {}, nil
	}

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return store.NewRedis(client, cfg.Calls.SessionTTL, log), func() { client.Close() }, nil
}
