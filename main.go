package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"studiogate/config"
	"studiogate/internal/account"
	"studiogate/internal/api"
	"studiogate/internal/auth"
	"studiogate/internal/ledger"
	"studiogate/internal/lock"
	"studiogate/internal/logger"
	"studiogate/internal/pricing"
	"studiogate/internal/provider"
	"studiogate/internal/proxy"
	"studiogate/internal/quota"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("could not load config", "path", configPath, "error", err)
	}

	log := logger.Default()

	dataDir := cfg.Storage.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Fatal("could not create data dir", "dir", dataDir, "error", err)
	}

	locks, err := lock.NewManager(filepath.Join(dataDir, "locks"), lock.Options{
		MaxRetries: cfg.Locks.MaxRetries,
		RetryDelay: time.Duration(cfg.Locks.RetryDelayMs) * time.Millisecond,
		StaleAfter: time.Duration(cfg.Locks.StaleAfterSeconds) * time.Second,
	})
	if err != nil {
		logger.Fatal("could not initialize lock manager", "error", err)
	}

	store, err := account.NewStore(filepath.Join(dataDir, "accounts.json"), locks)
	if err != nil {
		logger.Fatal("could not open account store", "error", err)
	}
	accounts := account.NewManager(store, cfg.Credits.Plans, cfg.Auth.AdminEmails)

	creditLedger := ledger.New(store, locks, cfg.Credits.Plans, cfg.Credits.ResetIntervalDays, log)
	gate := quota.NewGate(creditLedger)

	tracker, err := quota.NewTracker(filepath.Join(dataDir, "requests.db"))
	if err != nil {
		logger.Fatal("could not open request tracker", "error", err)
	}
	defer tracker.Close()

	table := pricing.NewTable(cfg.Models.Rules, cfg.Models.DefaultMultiplier)

	httpClient := &http.Client{Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second}
	retry := provider.NewRetryingClient(httpClient, provider.RetryConfig{
		MaxAttempts:  cfg.Provider.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Provider.Retry.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Provider.Retry.MaxDelayMs) * time.Millisecond,
		Multiplier:   cfg.Provider.Retry.Multiplier,
	}, log)
	media := provider.NewMediaClient(retry, cfg.Provider.MediaBaseURL, cfg.Provider.APIKey)

	proxyHandler := proxy.NewHandler(creditLedger, table, tracker, retry, cfg.Provider.BaseURL, cfg.Provider.APIKey, log)
	apiHandler := api.NewHandler(accounts, creditLedger, gate, tracker, media, cfg, log)

	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
	}))
	r.Use(api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst).Middleware())

	r.GET("/health", apiHandler.Health)
	r.POST("/api/auth/register", apiHandler.Register)
	r.POST("/api/auth/login", apiHandler.Login)

	authed := r.Group("/", auth.Middleware(cfg.Auth.JWTSecret))
	{
		authed.GET("/api/me", apiHandler.Me)
		authed.PUT("/api/me", apiHandler.UpdateMe)
		authed.GET("/api/credits", apiHandler.Credits)
		authed.GET("/api/credits/stats", apiHandler.CreditStats)

		authed.POST("/v1/chat/completions", proxyHandler.HandleChatCompletions)
		authed.POST("/api/generate/image", apiHandler.GenerateImage)
		authed.POST("/api/generate/video", apiHandler.GenerateVideo)
	}

	admin := r.Group("/api/admin", auth.Middleware(cfg.Auth.JWTSecret), auth.RequireAdmin())
	{
		admin.POST("/accounts/:id/grant", apiHandler.Grant)
		admin.GET("/accounts/:id/stats", apiHandler.AccountStats)
		admin.GET("/accounts/:id", apiHandler.GetAccount)
		admin.DELETE("/accounts/:id", apiHandler.DeleteAccount)
		admin.GET("/accounts", apiHandler.ListAccounts)
		admin.GET("/overview", apiHandler.Overview)
		admin.GET("/usage", apiHandler.UsageStats)
		admin.GET("/usage/models", apiHandler.ModelUsageStats)
		admin.GET("/usage/accounts", apiHandler.AccountUsageStats)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("listening", "addr", addr)
	if err := r.Run(addr); err != nil {
		logger.Fatal("server exited", "error", err)
	}
}
