package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/broadcast"
	"github.com/ksred/klear-exchange/internal/config"
	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/ledger"
	"github.com/ksred/klear-exchange/internal/locks"
	"github.com/ksred/klear-exchange/internal/marketdata"
	"github.com/ksred/klear-exchange/internal/metrics"
	"github.com/ksred/klear-exchange/internal/orderbook"
	"github.com/ksred/klear-exchange/internal/pricefeed"
	"github.com/ksred/klear-exchange/internal/settlement"
	"github.com/ksred/klear-exchange/internal/simulation"
	"github.com/ksred/klear-exchange/internal/trading"
	"github.com/ksred/klear-exchange/pkg/middleware"
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

type handlers struct {
	auth       *auth.GinHandlers
	ledger     *ledger.GinHandlers
	trading    *trading.GinHandlers
	orderbook  *orderbook.GinHandlers
	settlement *settlement.GinHandlers
	marketdata *marketdata.GinHandlers
	hub        *broadcast.Hub
}

// main wires the exchange together and serves it until SIGINT or SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Setup(registry); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to set up metrics")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Price feed and reference price refresh
	var feed pricefeed.Feed
	switch cfg.PriceFeed {
	case "yahoo":
		feed = pricefeed.NewYahooFeed(cfg.PriceFeedURL, cfg.PriceFetchTimeout)
	case "none":
		feed = pricefeed.NopFeed{}
	default:
		feed = pricefeed.NewSimulatedFeed(time.Now().UnixNano())
	}
	refresher := pricefeed.NewRefresher(db, feed, cfg.PriceFetchTimeout)

	// Broadcast fan-out, delivered off the request path
	orderBookService := orderbook.NewService(db)
	hub := broadcast.NewHub(orderBookService)
	notifiers := broadcast.Multi{hub}
	var kafkaNotifier *broadcast.KafkaNotifier
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier = broadcast.NewKafkaNotifier(broadcast.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), orderBookService)
		notifiers = append(notifiers, kafkaNotifier)
		zlog.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("Publishing events to Kafka")
	}
	notifier := broadcast.NewAsync(notifiers)

	// Initialize services
	provisioner := ledger.NewProvisioner(db, cfg.StartingCash, cfg.SeedShares)
	authService := auth.NewService(db, cfg.JWTSecret, provisioner)
	ledgerService := ledger.NewService(db)
	tradingService := trading.NewService(db, locks.NewManager(cfg.LockTimeout), trading.Options{
		PriceBand:      cfg.PriceBand,
		PriceFreshness: cfg.PriceFreshness,
		Refresher:      refresher,
		Notifier:       notifier,
	})
	settlementService := settlement.NewService(db)
	marketDataService := marketdata.NewService(db, refresher, cfg.PriceCacheTTL)

	// Background loops
	bgCtx, bgCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bgCtx)
		}()
	}

	run(settlement.NewProcessor(settlementService, settlement.DefaultReconcileInterval).Start)
	run(simulation.NewPriceSimulator(db, notifier, cfg.SimulationInterval, time.Now().UnixNano()).Start)
	if cfg.MarketMaker {
		mmUserID, err := simulation.EnsureMarketMakerUser(bgCtx, db, provisioner)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to set up market maker")
		}
		run(simulation.NewMarketMaker(db, tradingService, mmUserID, cfg.MarketMakerInterval).Start)
	}

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultLimits())
	run(func(ctx context.Context) { rateLimiter.Cleanup(ctx.Done(), 10*time.Minute) })

	// Initialize router
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), rateLimiter.Middleware())

	setupRoutes(router, cfg, handlers{
		auth:       auth.NewGinHandlers(authService),
		ledger:     ledger.NewGinHandlers(ledgerService),
		trading:    trading.NewGinHandlers(tradingService),
		orderbook:  orderbook.NewGinHandlers(orderBookService),
		settlement: settlement.NewGinHandlers(settlementService),
		marketdata: marketdata.NewGinHandlers(marketDataService),
		hub:        hub,
	})

	// Create server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Port).Str("db_driver", cfg.DBDriver).Msg("Exchange listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	bgCancel()
	wg.Wait()

	if err := notifier.Close(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("Dropped pending broadcasts")
	}
	if kafkaNotifier != nil {
		if err := kafkaNotifier.Close(); err != nil {
			zlog.Warn().Err(err).Msg("Failed to close Kafka writer")
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// - Public routes: health, auth and market data
// - Account and order routes: protected by JWT authentication
// - Internal routes: protected by the internal API key
// - Websocket and metrics endpoints live outside /api/v1
func setupRoutes(router *gin.Engine, cfg config.Config, h handlers) {
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	ws := router.Group("/ws")
	{
		ws.GET("/orderbook", h.hub.OrderBookHandler())
		ws.GET("/prices", h.hub.PricesHandler())
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
		})

		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/register", h.auth.RegisterHandler())
			auth.POST("/token", h.auth.GenerateTokenHandler())
		}

		// Market data
		v1.GET("/symbols", h.marketdata.ListSymbolsHandler())
		v1.GET("/prices", h.marketdata.PricesHandler())
		v1.GET("/candles", h.marketdata.CandlesHandler())
		v1.GET("/orderbook", h.orderbook.GetOrderBookHandler())

		// Account routes
		account := v1.Group("")
		account.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			account.GET("/portfolio", h.ledger.GetPortfolioHandler())
			account.GET("/holdings", h.ledger.ListHoldingsHandler())
			account.GET("/trades", h.settlement.ListTradesHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			orders.POST("", h.trading.CreateOrderHandler())
			orders.GET("", h.trading.ListOrdersHandler())
			orders.GET("/:order_id", h.trading.GetOrderHandler())
			orders.POST("/:order_id/cancel", h.trading.CancelOrderHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.InternalAPIKey))
		{
			internal.POST("/symbols", h.marketdata.CreateSymbolHandler())
			internal.POST("/reconcile", h.settlement.ReconcileHandler())
		}
	}
}

// requestLogger logs every request through zerolog
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := zlog.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = zlog.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
