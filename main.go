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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"crypto_portfolio_tracker/config"
	"crypto_portfolio_tracker/logger"
	"crypto_portfolio_tracker/middleware"
	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/routes"
	"crypto_portfolio_tracker/scheduler"
	"crypto_portfolio_tracker/services/alerts"
	"crypto_portfolio_tracker/services/archive"
	"crypto_portfolio_tracker/services/exchange"
	"crypto_portfolio_tracker/services/notify"
	"crypto_portfolio_tracker/services/portfolio"
	"crypto_portfolio_tracker/services/prices"
	"crypto_portfolio_tracker/services/stream"
)

// dbInitialized lets /ready report database state while initialisation runs
// in the background.
var dbInitialized bool
var dbInitMutex sync.RWMutex

// app holds what graceful shutdown needs to stop.
type app struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	scheduler *scheduler.Scheduler
	archive   *archive.Archive
	redis     *redis.Client
	bus       *stream.Bus
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	_, flush := logger.Init(logger.Options{
		Level:       cfg.Log.Level,
		Environment: cfg.Environment,
		FilePath:    cfg.Log.FilePath,
		MaxSizeMB:   cfg.Log.MaxSize,
		MaxAgeDays:  cfg.Log.MaxAge,
		MaxBackups:  cfg.Log.MaxBackups,
		Compress:    cfg.Log.Compress,
	})
	defer flush()

	zap.L().Info("Crypto Portfolio Tracker starting", zap.String("environment", cfg.Environment))

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	// Health endpoints first so the platform sees the service while the
	// database initialises in the background.
	setupHealthEndpoints(router)

	// The API answers 503 until the services behind it are wired.
	gate := routes.NewGate()
	gate.Mount(router)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		zap.L().Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("Server error", zap.Error(err))
		}
	}()

	a := &app{}
	go func() {
		db, err := config.InitDB()
		if err != nil {
			zap.L().Error("Database connection failed, serving health checks only", zap.Error(err))
			return
		}

		zap.L().Info("Running database migrations...")
		if err := models.MigrateAll(db); err != nil {
			zap.L().Error("Migration failed", zap.Error(err))
			return
		}

		if err := a.start(gate, db, cfg); err != nil {
			zap.L().Error("Failed to start services", zap.Error(err))
			return
		}

		dbInitMutex.Lock()
		dbInitialized = true
		dbInitMutex.Unlock()

		zap.L().Info("Application fully initialized")
	}()

	gracefulShutdown(server, a)
}

// start wires every service, opens the API gate and launches the
// background workers.
func (a *app) start(gate *routes.Gate, db *gorm.DB, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())

	bus := stream.NewBus()
	auth := middleware.NewAuth(db, cfg.JWTSecret)
	hub := stream.NewHub(cfg.Stream.MaxClients, auth.UserID)
	go hub.Run(ctx)
	go hub.Forward(ctx, bus)

	var feed *stream.Feed
	if cfg.Stream.Enabled && len(cfg.Stream.Symbols) > 0 {
		feed = stream.NewFeed(stream.FeedConfig{
			URL:          cfg.Stream.URL,
			Symbols:      cfg.Stream.Symbols,
			PingInterval: cfg.Stream.PingInterval,
			PongWait:     cfg.Stream.PongWait,
			MaxFailures:  cfg.Stream.MaxFailures,
		}, bus)
		go func() {
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zap.L().Error("Price feed stopped", zap.Error(err))
			}
		}()
	} else {
		zap.L().Info("Upstream price stream disabled")
	}

	rdb, cache := priceCache(ctx, cfg.Redis)
	priceService := prices.NewService(db, prices.NewCoinGeckoClient(cfg.PriceAPI), cache, bus, cfg.Stream.Symbols)
	priceService.SetQuoteCurrency(cfg.PriceAPI.QuoteCurrency)
	priceService.Start(ctx)

	snapshotArchive := archive.New(cfg.Mongo)
	if err := snapshotArchive.Connect(ctx); err != nil {
		zap.L().Warn("Snapshot archive unavailable", zap.Error(err))
	}

	portfolios := portfolio.NewService(db, priceService, bus,
		portfolio.WithArchive(snapshotArchive),
		portfolio.WithRiskFreeRate(cfg.Analytics.RiskFreeRate),
	)
	priceService.SetRevaluer(portfolios)

	dispatcher := notificationDispatcher(ctx, db, hub, bus, cfg.Notify)
	alertService := alerts.NewService(db, priceService, portfolios, dispatcher, bus)
	alertService.Start(ctx)

	jobs := scheduler.Services{
		Prices:    priceService,
		Alerts:    alertService,
		Snapshots: portfolios,
	}
	if accounts := exchangeService(db, priceService, portfolios, bus, cfg.Exchange); accounts != nil {
		jobs.Accounts = accounts
	}

	jobScheduler := scheduler.NewScheduler(cfg.Jobs, jobs)
	if err := jobScheduler.Start(); err != nil {
		cancel()
		return err
	}

	gate.Open(routes.Dependencies{
		Auth:       auth,
		Alerts:     alertService,
		Portfolios: portfolios,
		Prices:     priceService,
		Inbox:      notify.NewInbox(db),
		Hub:        hub,
		Feed:       feed,
		Bus:        bus,
	})

	a.mu.Lock()
	a.cancel = cancel
	a.scheduler = jobScheduler
	a.archive = snapshotArchive
	a.redis = rdb
	a.bus = bus
	a.mu.Unlock()
	return nil
}

// priceCache uses redis when configured and reachable, memory otherwise.
func priceCache(ctx context.Context, cfg config.RedisConfig) (*redis.Client, prices.Cache) {
	if cfg.Addr == "" {
		return nil, prices.NewMemoryCache(cfg.PriceTTL)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		zap.L().Warn("Redis unavailable, using in-memory price cache", zap.String("addr", cfg.Addr), zap.Error(err))
		_ = rdb.Close()
		return nil, prices.NewMemoryCache(cfg.PriceTTL)
	}
	zap.L().Info("Redis price cache connected", zap.String("addr", cfg.Addr))
	return rdb, prices.NewRedisCache(rdb, cfg.PriceTTL)
}

func notificationDispatcher(ctx context.Context, db *gorm.DB, hub *stream.Hub, bus *stream.Bus, cfg config.NotifyConfig) *notify.Dispatcher {
	dispatcher := notify.NewDispatcher(
		notify.NewInAppChannel(db, hub, bus),
		notify.NewEmailChannel(db, notify.LogMailer{}),
	)

	push, err := notify.NewFirebasePushChannel(ctx, cfg.FirebaseCredentialsFile)
	if err != nil {
		zap.L().Warn("Push notifications disabled", zap.Error(err))
	} else if push != nil {
		dispatcher.Register(push)
	}

	telegram, err := notify.NewTelegramBotChannel(db, cfg.TelegramBotToken)
	if err != nil {
		zap.L().Warn("Telegram notifications disabled", zap.Error(err))
	} else if telegram != nil {
		dispatcher.Register(telegram)
	}

	zap.L().Info("Notification channels ready", zap.Strings("channels", dispatcher.Channels()))
	return dispatcher
}

// exchangeService returns nil when no encryption key is configured, since
// credentials could not be stored.
func exchangeService(db *gorm.DB, priceService *prices.Service, portfolios *portfolio.Service, bus *stream.Bus, cfg config.ExchangeConfig) *exchange.Service {
	sealer, err := exchange.NewSealer(cfg.EncryptionKey)
	if err != nil {
		zap.L().Warn("Exchange sync disabled", zap.Error(err))
		return nil
	}
	svc := exchange.NewService(db, sealer, priceService, portfolios, bus)
	svc.RegisterProvider(models.ProviderBinance, exchange.NewBinanceProvider(sealer, cfg.BinanceTestnet))
	if cfg.EthereumRPCURL != "" {
		svc.RegisterProvider(models.ProviderEthereum, exchange.NewEthereumProvider(cfg.EthereumRPCURL))
	}
	return svc
}

// setupHealthEndpoints sets up health check endpoints
func setupHealthEndpoints(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Crypto Portfolio Tracker API",
			"version": "1.0.0",
		})
	})

	// Liveness probe
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness probe
	router.GET("/ready", func(c *gin.Context) {
		dbInitMutex.RLock()
		isDBReady := dbInitialized
		dbInitMutex.RUnlock()

		if !isDBReady {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database not connected",
			})
			return
		}

		sqlDB, err := config.DB.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database connection error",
			})
			return
		}
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database ping failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger logs failed and slow requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		if c.Writer.Status() >= 400 || duration > time.Second {
			zap.L().Info("Request",
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("duration", duration),
			)
		}
	}
}

// gracefulShutdown handles graceful shutdown of the server
func gracefulShutdown(server *http.Server, a *app) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	zap.L().Info("Shutting down gracefully...", zap.String("signal", sig.String()))

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zap.L().Error("Server forced to shutdown", zap.Error(err))
	}

	if a.bus != nil {
		a.bus.Close()
	}
	if a.archive != nil {
		if err := a.archive.Close(ctx); err != nil {
			zap.L().Warn("Failed to close snapshot archive", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if config.DB != nil {
		if sqlDB, err := config.DB.DB(); err == nil {
			sqlDB.Close()
			zap.L().Info("Database connection closed")
		}
	}

	zap.L().Info("Server shutdown completed")
}
