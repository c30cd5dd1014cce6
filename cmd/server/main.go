package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-orders/internal/accounts"
	"github.com/ksred/klear-orders/internal/audit"
	"github.com/ksred/klear-orders/internal/auth"
	"github.com/ksred/klear-orders/internal/config"
	"github.com/ksred/klear-orders/internal/database"
	"github.com/ksred/klear-orders/internal/idempotency"
	"github.com/ksred/klear-orders/internal/limits"
	"github.com/ksred/klear-orders/internal/monitor"
	"github.com/ksred/klear-orders/internal/orders"
	"github.com/ksred/klear-orders/internal/providers"
	"github.com/ksred/klear-orders/internal/providers/bankrail"
	"github.com/ksred/klear-orders/internal/providers/exchange"
	"github.com/ksred/klear-orders/internal/scheduler"
	"github.com/ksred/klear-orders/internal/stepup"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/ksred/klear-orders/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the order engine and serves its API until SIGINT or SIGTERM
func main() {
	cfg, err := config.Load("")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	clk := clock.Real()
	bgCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Domain services
	accountService := accounts.NewService(db)
	limitValidator := limits.NewValidator(db, accountService, clk)
	stepUpVerifier := stepup.NewVerifier(db, stepup.NewTOTPOracle(clk), stepup.PlainSecrets{}, cfg.StepUpThreshold())
	gate := idempotency.NewGate(db, clk, cfg.Orders.IdempotencyTTL)

	registry := providers.NewRegistry(map[string]providers.Adapter{
		"exchange": exchange.New("exchange", exchange.Options{PriceJitter: 0.002, FillVariance: 0.001}),
		"bank":     bankrail.New("bank", bankrail.Options{Clock: clk}),
	})

	dispatcher := orders.NewDispatcher(cfg.Dispatcher.QueueSize, cfg.Dispatcher.Workers)
	orderService := orders.NewService(db, orders.Dependencies{
		Gate:      gate,
		Accounts:  accountService,
		Limits:    limitValidator,
		StepUp:    stepUpVerifier,
		Providers: registry,
		Prices:    registry,
		Audit:     audit.NewLogSink(),
		Clock:     clk,
		Queue:     dispatcher,
	}, orders.Config{
		DefaultTTL:    cfg.Orders.DefaultTTL,
		DryRunFeeRate: cfg.DryRunFeeRate(),
	})
	dispatcher.Start(bgCtx, orderService)

	// Background processors
	priceMonitor := monitor.NewMonitor(orderService, registry, priceCache(bgCtx, cfg, clk), clk, cfg.Monitor.Interval)
	orderScheduler := scheduler.NewScheduler(orderService, gate, clk, cfg.Scheduler.Interval)
	go priceMonitor.Start(bgCtx)
	go orderScheduler.Start(bgCtx)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.TestUserID)
	if err := seedDemo(bgCtx, db, accountService, limitValidator, stepUpVerifier); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed demo data")
	}

	// Initialize router
	router := gin.Default()
	router.Use(middleware.Metrics())

	setupRoutes(router, []byte(cfg.Auth.JWTSecret),
		auth.NewGinHandlers(authService),
		orders.NewGinHandlers(orderService),
		providers.NewGinHandlers(registry),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Msg("Order API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Queued executions finish before the processors go away
	if err := dispatcher.Stop(); err != nil {
		zlog.Error().Err(err).Msg("Dispatcher stopped with error")
	}
	cancel()

	zlog.Info().Msg("Server exiting")
}

// priceCache uses Redis when configured and reachable, memory otherwise
func priceCache(ctx context.Context, cfg *config.Config, clk clock.Clock) monitor.PriceCache {
	if cfg.Redis.Addr == "" {
		return monitor.NewMemoryPriceCache(clk, cfg.Monitor.PriceTTL)
	}
	client, err := monitor.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		zlog.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, caching prices in memory")
		return monitor.NewMemoryPriceCache(clk, cfg.Monitor.PriceTTL)
	}
	zlog.Info().Str("addr", cfg.Redis.Addr).Msg("Caching prices in Redis")
	return monitor.NewRedisPriceCache(client, cfg.Monitor.PriceTTL)
}

const demoSpaceID = "space-demo"

// seedDemo gives the test credentials a space with funded accounts, a daily
// limit and a TOTP enrolment. It runs once per database.
func seedDemo(ctx context.Context, db *gorm.DB, accts *accounts.Service, lim *limits.Validator, verifier *stepup.Verifier) error {
	member, err := accounts.NewDatabase(db).IsMember(ctx, demoSpaceID, auth.TestUserID)
	if err != nil || member {
		return err
	}

	if err := accts.AddMember(ctx, demoSpaceID, auth.TestUserID); err != nil {
		return err
	}
	for _, a := range []struct {
		name    string
		balance int64
	}{{"Main", 250_000}, {"Savings", 50_000}} {
		account, err := accts.OpenAccount(ctx, demoSpaceID, a.name, "USD", decimal.NewFromInt(a.balance))
		if err != nil {
			return err
		}
		zlog.Info().Str("account_id", account.AccountID).Str("name", a.name).Msg("Seeded demo account")
	}

	if err := lim.SetLimit(ctx, &types.OrderLimit{
		UserID:    auth.TestUserID,
		Period:    types.LimitDaily,
		Currency:  "USD",
		MaxAmount: decimal.NewFromInt(100_000),
		Enforced:  true,
	}); err != nil {
		return err
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "Klear", AccountName: auth.TestUserID})
	if err != nil {
		return err
	}
	if err := verifier.Enroll(ctx, auth.TestUserID, key.Secret(), false); err != nil {
		return err
	}
	zlog.Info().Str("space_id", demoSpaceID).Str("totp_secret", key.Secret()).Msg("Seeded demo user")
	return nil
}

// setupRoutes configures all API endpoints and their handlers
// Auth routes are public, order routes require a JWT
func setupRoutes(
	router *gin.Engine,
	jwtSecret []byte,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
	providerHandlers *providers.GinHandlers,
) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth", middleware.RateLimit())
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		// Limited per user, so the limiter must see the authenticated id
		orders.Use(middleware.JWTAuth(jwtSecret), middleware.RateLimit())
		{
			orders.POST("", orderHandlers.CreateOrderHandler())
			orders.GET("", orderHandlers.ListOrdersHandler())
			orders.GET("/:order_id", orderHandlers.GetOrderHandler())
			orders.PATCH("/:order_id", orderHandlers.UpdateOrderHandler())
			orders.POST("/:order_id/verify", orderHandlers.VerifyOrderHandler())
			orders.POST("/:order_id/execute", orderHandlers.ExecuteOrderHandler())
			orders.POST("/:order_id/cancel", orderHandlers.CancelOrderHandler())
			orders.GET("/:order_id/attempts", orderHandlers.ListAttemptsHandler())
		}

		v1.GET("/providers/health", middleware.RateLimit(), providerHandlers.HealthHandler())
	}
}
