package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/brokerbridge/internal/auth"
	"github.com/ksred/brokerbridge/internal/bridge"
	"github.com/ksred/brokerbridge/internal/brokerage"
	"github.com/ksred/brokerbridge/internal/brokerage/sandbox"
	"github.com/ksred/brokerbridge/internal/config"
	"github.com/ksred/brokerbridge/internal/database"
	"github.com/ksred/brokerbridge/internal/idmap"
	"github.com/ksred/brokerbridge/internal/market"
	"github.com/ksred/brokerbridge/internal/symbol"
	"github.com/ksred/brokerbridge/internal/trading"
	"github.com/ksred/brokerbridge/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// initLogging configures pretty console output outside production and sets
// the global level from configuration.
func initLogging(level string) {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	sandboxMode := flag.Bool("sandbox", false, "trade against an in-process simulated brokerage")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg.Logging.Level)

	db, err := database.NewDatabase(cfg.Storage.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	var codes auth.AuthorizationCodeProvider = &auth.PromptCodeProvider{In: os.Stdin, Out: os.Stdout}
	if *sandboxMode {
		ex := sandbox.New(sandbox.Config{AuthCode: "sandbox", AccountID: cfg.Broker.AccountID, MinLatency: 5, MaxLatency: 50})
		srv := httptest.NewServer(ex.Handler())
		defer srv.Close()
		cfg.Broker.BaseURL = srv.URL + "/v1"
		cfg.Broker.AccountID = ex.AccountID()
		cfg.Trading.TestMode = true
		codes = auth.StaticCodeProvider("sandbox")
		zlog.Info().Str("base_url", cfg.Broker.BaseURL).Msg("using sandbox brokerage")
	}

	// The client needs the session for bearer tokens and the session needs
	// the client for token grants.
	client := brokerage.NewClient(brokerage.Config{
		BaseURL:           cfg.Broker.BaseURL,
		AccountID:         cfg.Broker.AccountID,
		FundInfoURL:       cfg.Broker.FundInfoURL,
		RequestsPerMinute: cfg.Broker.RequestsPerMinute,
	})
	session := auth.NewSession(auth.SessionConfig{
		ClientID:    cfg.Broker.ClientID,
		RedirectURI: cfg.Broker.RedirectURI,
		AuthURL:     cfg.Broker.AuthURL,
	}, auth.NewFileStore(cfg.Storage.TokenFile), client, codes)
	client.UseTokenSource(session)

	sellPolicy, err := trading.ParseSellPolicy(cfg.Trading.SellPolicy)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid sell policy")
	}
	fundPolicy := trading.FundLookupAccept
	if cfg.Trading.FundLookupFailure == string(trading.FundLookupReject) {
		fundPolicy = trading.FundLookupReject
	}

	clock := market.NewClock(client)
	builder := trading.NewBuilder(client, sellPolicy, fundPolicy)
	lifecycle := trading.NewLifecycle(client, idmap.NewStore(db), builder, clock, cfg.Trading.TestMode)
	state := bridge.NewSessionState(session, client, symbol.NewParser(cfg.Broker.Currency, nil), lifecycle, clock)

	authService := auth.NewService(cfg.Server.JWTSecret, cfg.Server.APIKey, cfg.Server.APISecret)
	authHandlers := auth.NewGinHandlers(authService)
	bridgeHandlers := bridge.NewGinHandlers(state)

	// Create and start the reconciler
	reconciler := trading.NewReconciler(lifecycle, cfg.Trading.ReconcileInterval)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go reconciler.Start(processorCtx)

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, authService, authHandlers, bridgeHandlers)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Int("port", cfg.Server.Port).Bool("test_mode", cfg.Trading.TestMode).Msg("bridge listening")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes mounts the public token route and the JWT-protected command
// surface under /api/v1.
func setupRoutes(router *gin.Engine, authService *auth.Service, authHandlers *auth.GinHandlers, bridgeHandlers *bridge.GinHandlers) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		commands := v1.Group("")
		commands.Use(middleware.JWTAuth(authService))
		bridgeHandlers.Register(commands)
	}
}
