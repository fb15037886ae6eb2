package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"libreserve/internal/ratelimit"
	"libreserve/internal/usertoken"
	"libreserve/internal/util"
	"libreserve/pkg/domain"
	"libreserve/pkg/events"
	"libreserve/pkg/store"
	"libreserve/services/reservation/internal/app"
	"libreserve/services/reservation/internal/config"
	"libreserve/services/reservation/internal/server"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("RESERVATION_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()

	publisher, err := openPublisher(cfg, redisClient)
	if err != nil {
		log.Fatalf("failed to init event publisher: %v", err)
	}
	defer publisher.Close()

	appCore, err := app.New(app.Config{
		Store:     st,
		Publisher: publisher,
		Policy: domain.Policy{
			PickupWindow: time.Duration(cfg.PickupWindowHours) * time.Hour,
			LoanPeriod:   time.Duration(cfg.LoanPeriodDays) * 24 * time.Hour,
		},
		MaxActiveReservations: cfg.MaxActiveReservations,
		MaxExtensionDays:      cfg.MaxExtensionDays,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   cfg.JWTLeeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}
	limiter, err := ratelimit.NewFixedWindowLimiter(redisClient, "libreserve:ratelimit:reserve", cfg.ReserveRateLimitPerMinute, time.Minute)
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	serverCfg := server.Config{
		App:            appCore,
		Authenticator:  verifier,
		ReserveLimiter: limiter,
		TrustedProxies: trusted,
	}
	if feed, ok := publisher.(server.EventFeed); ok {
		serverCfg.EventFeed = feed
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	lease, err := app.NewRedisLease(redisClient, "", util.NewID(), cfg.SweepInterval)
	if err != nil {
		log.Fatalf("failed to init sweep lease: %v", err)
	}
	sweeper := app.NewSweeper(appCore, app.SweeperConfig{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
		Lease:     lease,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("reservation server listening", "addr", addr, "store", cfg.StoreDriver, "events", cfg.EventsBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("reservation server stopped")
}

func openStore(cfg config.FileConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		slog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return store.NewGormStore(cfg.DatabaseURL)
	}
}

func openPublisher(cfg config.FileConfig, client redis.UniversalClient) (events.Publisher, error) {
	switch cfg.EventsBackend {
	case "redis":
		return events.NewRedisStreamPublisher(client, events.RedisStreamConfig{Stream: cfg.EventsStream})
	case "amqp":
		return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	default:
		return events.Nop{}, nil
	}
}
