package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/trading-core/internal/auth"
	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/lifecycle"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/positions"
	"github.com/ksred/trading-core/internal/recovery"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/venue"
	"github.com/ksred/trading-core/pkg/middleware"

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

// main initializes and runs the trading engine with graceful shutdown
// support. The engine runs against the simulated venue unless a real venue
// adapter is wired in.
func main() {
	// Load .env when present; real deployments inject the environment.
	_ = godotenv.Load()

	db, err := database.NewDatabase(os.Getenv("DB_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "trading-core-secret"
	}
	middleware.Configure(jwtSecret)

	symbols := strings.Split(envOr("SYMBOLS", "BTC-USD,ETH-USD"), ",")

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	sink := events.NewSink()
	venuePort := venue.NewMock()

	positionService := positions.NewService(db, positions.Config{
		RetainZeroPositions: envOr("RETAIN_ZERO_POSITIONS", "true") == "true",
	})
	positionHandlers := positions.NewGinHandlers(positionService)

	gate := risk.NewGate(positionService, risk.Config{
		MaxSymbolExposure: envFloat("MAX_SYMBOL_EXPOSURE", 1_000_000),
		MaxOpenPositions:  envInt("MAX_OPEN_POSITIONS", 10),
		MaxDailyLoss:      envFloat("MAX_DAILY_LOSS", 50_000),
	})

	orderService := orders.NewService(db, venuePort, positionService, gate, sink)
	orderHandlers := orders.NewGinHandlers(orderService)

	fillQueue := orders.NewFillQueue(orderService, envInt("FILL_QUEUE_CAPACITY", 1024))
	queueCtx, queueCancel := context.WithCancel(context.Background())
	defer queueCancel()
	fillQueue.Start(queueCtx, envInt("FILL_QUEUE_WORKERS", 4))

	recoveryService := recovery.NewService(orderService, positionService, venuePort, sink)

	controller := lifecycle.NewController(db, orderService, positionService, recoveryService, gate, venuePort, sink, lifecycle.Config{
		Symbols:                 symbols,
		CancelOpenOrdersOnClose: envOr("CANCEL_OPEN_ORDERS_ON_CLOSE", "true") == "true",
	})
	controller.Subscribe = func(symbols []string) (func(), error) {
		if err := venuePort.SubscribeFills(fillQueue.SubmitCallback); err != nil {
			return nil, err
		}
		if err := venuePort.SubscribeQuotes(symbols, func(q venue.Quote) {}); err != nil {
			return nil, err
		}
		return func() {
			zlog.Info().Msg("venue subscriptions torn down")
		}, nil
	}
	lifecycleHandlers := lifecycle.NewGinHandlers(controller)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, orderHandlers, positionHandlers, lifecycleHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop accepting fills and drain what is queued
	fillQueue.Close()
	fillQueue.Wait()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order/position routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
	positionHandlers *positions.GinHandlers,
	lifecycleHandlers *lifecycle.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth())
		{
			ordersGroup.POST("", orderHandlers.CreateOrderHandler())
			ordersGroup.GET("/:order_id", orderHandlers.GetOrderStatusHandler())
			ordersGroup.POST("/:order_id/send", orderHandlers.SendOrderHandler())
			ordersGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
		}

		// Position routes
		positionsGroup := v1.Group("/positions")
		positionsGroup.Use(middleware.JWTAuth())
		{
			positionsGroup.GET("", positionHandlers.ListPositionsHandler())
			positionsGroup.GET("/:symbol", positionHandlers.GetPositionHandler())
		}

		// System status
		system := v1.Group("/system")
		system.Use(middleware.JWTAuth())
		{
			system.GET("/status", lifecycleHandlers.StatusHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/session/open", lifecycleHandlers.OpenSessionHandler())
			internal.POST("/session/start", lifecycleHandlers.StartTradingHandler())
			internal.POST("/session/close", lifecycleHandlers.CloseSessionHandler())
			internal.POST("/session/reset", lifecycleHandlers.ResetHandler())
			internal.POST("/orders/:order_id/sync", orderHandlers.SyncOrderHandler())
			internal.GET("/settlements/:trade_date", lifecycleHandlers.SettlementHandler())
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
