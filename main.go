package main

import (
	"context"
	"encoding/json"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/taxfolio/ledger/src/config"
	"github.com/username/taxfolio/ledger/src/database"
	"github.com/username/taxfolio/ledger/src/handlers"
	"github.com/username/taxfolio/ledger/src/logger"
	"github.com/username/taxfolio/ledger/src/processors"
	"github.com/username/taxfolio/ledger/src/security"
	"github.com/username/taxfolio/ledger/src/services"
	"github.com/username/taxfolio/ledger/src/utils"
)

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:3000": true,
		}

		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == http.MethodOptions {
			logger.L.Debug("Handling OPTIONS preflight request", "path", r.URL.Path, "origin", origin)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func taxPolicyFromConfig(cfg *config.AppConfig) processors.TaxPolicy {
	return processors.TaxPolicy{
		LongTermThresholdDays: cfg.LongTermThresholdDays,
		ShortTermRate:         config.Decimal(cfg.ShortTermTaxRate),
		LongTermRate:          config.Decimal(cfg.LongTermTaxRate),
		LongTermExemption:     config.Decimal(cfg.LongTermExemption),
		FiscalYearStartMonth:  time.Month(cfg.FiscalYearStartMonth),
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		stdlog.Fatalf("Invalid configuration: %v", err)
	}
	logger.InitLogger(cfg.LogLevel)
	logger.L.Info("Ledger server starting...")

	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		logger.L.Error("JWT_SECRET configuration invalid. Must be at least 32 bytes.")
		os.Exit(1)
	}

	logger.L.Info("Initializing database...", "path", cfg.DatabasePath)
	db, factory, err := database.OpenSQLite(cfg.DatabasePath, cfg.SQLiteBusyTimeout)
	if err != nil {
		logger.L.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	pool := database.NewPool(factory, database.PoolOptions{
		MaxSize:        cfg.PoolMaxSize,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		IdleTimeout:    cfg.PoolIdleTimeout,
		ReapInterval:   cfg.PoolReapInterval,
	})
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.EnsureSchema(startupCtx, pool); err != nil {
		cancelStartup()
		logger.L.Error("Failed to initialize schema", "error", err)
		os.Exit(1)
	}
	cancelStartup()
	logger.L.Info("Database initialized successfully.")

	txManager := database.NewTxManager(pool, database.TxManagerOptions{
		StaleAfter:    cfg.TxStaleAfter,
		SweepInterval: cfg.TxSweepInterval,
		CompletedTTL:  cfg.TxCompletedTTL,
	})
	txManager.Start()

	logger.L.Info("Initializing report cache...")
	reportCache := cache.New(cfg.ReportCacheTTL, 2*cfg.ReportCacheTTL)

	logger.L.Info("Initializing services and handlers...")
	instruments := services.NewInstrumentService(pool)
	audit := services.NewAuditService(pool)
	var prices services.PriceFeed
	if cfg.PriceFeedURL != "" {
		credentials := services.NewStaticCredentialStore(map[string]string{services.PriceFeedProvider: cfg.PriceFeedAPIKey})
		prices = services.NewHTTPPriceFeed(cfg.PriceFeedURL, cfg.PriceFeedTimeout, cfg.PriceCacheTTL, instruments, credentials)
		logger.L.Info("Price feed enabled", "url", cfg.PriceFeedURL)
	}
	ledger := services.NewRecalcService(pool, txManager, taxPolicyFromConfig(cfg), instruments, audit, prices, reportCache)
	ages := services.NewAgeService(pool, instruments)

	router := handlers.Router{
		Transactions: handlers.NewTransactionHandler(ledger, audit),
		Portfolio:    handlers.NewPortfolioHandler(ledger, ages),
		Instruments:  handlers.NewInstrumentHandler(instruments),
		Uploads:      handlers.NewUploadHandler(services.NewUploadService(ledger), cfg.MaxUploadSizeBytes),
		Health:       handlers.NewHealthHandler(pool, txManager),
		Auth:         handlers.AuthMiddleware(security.NewTokenVerifier(cfg.JWTSecret), cfg.DefaultUserID),
	}

	logger.L.Info("Configuring routes...")
	rootMux := http.NewServeMux()
	rootMux.Handle("/api/", router.Handler())
	rootMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"message": "Ledger backend is running"})
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			logger.L.Warn("Root level path not found", "method", r.Method, "path", r.URL.Path)
			utils.SendJSONError(w, "not found", http.StatusNotFound)
		}
	})

	logger.L.Info("Applying global middleware...")
	finalHandler := enableCORS(handlers.RequestLogger(handlers.RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst)(rootMux)))

	serverAddr := ":" + cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.L.Info("Server starting", "address", serverAddr)
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.L.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("Failed to start server", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("HTTP server shutdown failed", "error", err)
	}
	txManager.Shutdown()
	pool.Shutdown()
	if err := db.Close(); err != nil {
		logger.L.Error("Closing database failed", "error", err)
	}
	logger.L.Info("Server stopped gracefully.")
}
