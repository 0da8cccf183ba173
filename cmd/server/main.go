package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carmarket-be/internal/checkout"
	"carmarket-be/internal/config"
	"carmarket-be/internal/db"
	"carmarket-be/internal/events"
	"carmarket-be/internal/handler"
	"carmarket-be/internal/ledger"
	"carmarket-be/internal/logger"
	"carmarket-be/internal/middleware"
	"carmarket-be/internal/payment"
	"carmarket-be/internal/payment/webhook"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	initDBFunc      = db.NewDatabase
	startServerFunc = func(srv *http.Server) error { return srv.ListenAndServe() }
)

func main() {
	if err := run(); err != nil {
		logger.L().Fatal("server exited", zap.Error(err))
	}
}

// app holds everything the HTTP server and the background workers share.
type app struct {
	svc       checkout.Service
	sweeper   *checkout.Sweeper
	limiter   *middleware.Limiter
	publisher events.Publisher
	redis     *redis.Client
}

func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		logger.L().Warn("failed to close event publisher", zap.Error(err))
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func newApp(cfg *config.Config, database *sql.DB) *app {
	store := ledger.NewStore(database)

	a := &app{
		publisher: events.NopPublisher{},
		limiter:   middleware.NewLimiter(cfg.InternalServiceKey),
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.L().Warn("event publishing disabled", zap.Error(err))
		} else {
			a.publisher = pub
		}
	}

	var cache checkout.StatusCache
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		cache = payment.NewCachedReader(store.Reader().Payments, a.redis, cfg.StatusCacheTTL)
	}

	gateways := payment.NewRegistry(
		payment.NewMpesaGateway(cfg.Mpesa),
		payment.NewPayPalGateway(cfg.PayPal),
	)

	a.svc = checkout.NewService(checkout.ConfigFrom(cfg), store, gateways, a.publisher, cache, nil)
	a.sweeper = checkout.NewSweeper(a.svc, cfg.SweepInterval)
	return a
}

// setupRouter mounts the provider callback and health check directly and
// everything else behind CORS, auth and the rate limiter. Callbacks arrive in
// bursts from a few provider IPs and must always be acknowledged.
func setupRouter(svc checkout.Service, cfg *config.Config, limiter *middleware.Limiter) http.Handler {
	api := http.NewServeMux()
	handler.NewHandler(svc, cfg.FrontendURL).Register(api, middleware.RequireUser)

	var buyer http.Handler = api
	buyer = limiter.Middleware(buyer)
	buyer = middleware.Auth(cfg.JWTSecret)(buyer)
	buyer = middleware.CORS(cfg.FrontendURL)(buyer)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	wh := webhook.NewWebhookHandler(svc)
	root.HandleFunc("/payments/mobile-money/callback", wh.MpesaCallbackHandler)
	root.Handle("/", buyer)

	var h http.Handler = root
	h = logger.LoggingMiddleware(h)
	h = logger.RequestIDMiddleware(h)
	h = middleware.Recover(h)
	return h
}

func newServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func run() error {
	cfg := config.LoadConfig()
	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	database, err := initDBFunc(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	a := newApp(cfg, database)
	defer a.Close()

	srv := newServer(cfg, setupRouter(a.svc, cfg, a.limiter))

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		logger.L().Info("checkout server listening", zap.String("addr", srv.Addr))
		if err := startServerFunc(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.sweeper.Run(ctx)
	})

	g.Go(func() error {
		a.limiter.RunCleanup(ctx.Done())
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		logger.L().Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
