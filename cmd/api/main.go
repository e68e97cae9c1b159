package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"agentbox/internal/config"
	"agentbox/internal/db"
	"agentbox/internal/exchange"
	"agentbox/internal/httpapi"
	"agentbox/internal/receipt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	pool, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer pool.Close()
	logger.Info().Msg("connected to postgres")

	signer, err := receipt.NewSigner(cfg.ReceiptSigningKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("receipt signing key invalid")
	}

	svc := exchange.New(pool, logger, signer, cfg.CodePrefix, cfg.MarketPageLimit)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			DB:                 pool,
			Service:            svc,
			Logger:             logger,
			Pepper:             cfg.APIKeyPepper,
			AdminToken:         cfg.AdminToken,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
