package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"meditext/internal/servicetoken"
	"meditext/internal/usertoken"
	"meditext/internal/util"
	"meditext/pkg/events"
	"meditext/pkg/queue"
	"meditext/pkg/sms"
	"meditext/pkg/store"
	"meditext/services/reminder/internal/app"
	"meditext/services/reminder/internal/config"
	"meditext/services/reminder/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	loc, _ := cfg.Location()
	otpTTL, _ := config.ParseDuration("otpTTL", cfg.OTPTTL)
	window, _ := config.ParseDuration("correlationWindow", cfg.CorrelationWindow)
	retryBackoff, _ := config.ParseDuration("retryBackoff", cfg.RetryBackoff)
	sessionTTL, _ := config.ParseDuration("sessionTTL", cfg.SessionTTL)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	codes, err := store.NewRedisCodeStore(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		util.Fatal("failed to init code store", "err", err)
	}

	var sender sms.Sender
	if strings.TrimSpace(cfg.SMSEndpoint) != "" {
		sender, err = sms.NewHTTPSender(sms.HTTPSenderConfig{
			Endpoint: cfg.SMSEndpoint,
			APIKey:   cfg.SMSAPIKey,
			Sender:   cfg.SMSSender,
			Timeout:  cfg.SMSTimeout(),
		})
		if err != nil {
			util.Fatal("failed to init sms sender", "err", err)
		}
	} else {
		logger.Warn("sms endpoint not configured; messages are only logged")
		sender = sms.NewLogSender(logger)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to init event publisher", "err", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	stream := cfg.RetryStream
	if strings.TrimSpace(stream) == "" {
		stream = "meditext:reminder:retries"
	}
	retries, err := queue.NewRetryQueue(queue.RetryQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   stream,
		Group:    cfg.RetryGroup,
	})
	if err != nil {
		util.Fatal("failed to init retry queue", "err", err)
	}
	defer retries.Close()

	appCore, err := app.New(app.Config{
		Location:            loc,
		CountryCode:         cfg.CountryCode,
		CodeTTL:             otpTTL,
		CorrelationWindow:   window,
		DispatchConcurrency: cfg.DispatchConcurrency,
		MaxRetries:          cfg.MaxRetries,
		RetryBackoff:        retryBackoff,
		Store:               dataStore,
		Codes:               codes,
		Sender:              sender,
		Events:              publisher,
		Retries:             retries,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeyPath:  cfg.InternalJWTPublicKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Audience:       servicetoken.AudienceReminder,
		AllowedIssuers: []string{servicetoken.IssuerScheduler},
	})
	if err != nil {
		util.Fatal("failed to init internal token verifier", "err", err)
	}
	sessions, err := usertoken.NewIssuer(usertoken.Options{
		PrivateKeyPath: cfg.SessionJWTPrivateKeyPath,
		KeyID:          cfg.SessionJWTKeyID,
		TTL:            sessionTTL,
	})
	if err != nil {
		util.Fatal("failed to init session tokens", "err", err)
	}
	trusted, err := util.NewTrustedProxies(config.ParseList(cfg.TrustedProxyCIDRs))
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:                       appCore,
		TokenVerifier:             verifier,
		SessionTokens:             sessions,
		TrustedProxies:            trusted,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		OTPRateLimitPerMinute:     cfg.OTPRateLimitPerMinute,
		WebhookRateLimitPerMinute: cfg.WebhookRateLimitPerMinute,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}
	defer httpServer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workers := cfg.RetryWorkers
	if workers <= 0 {
		workers = 2
	}
	retries.Start(ctx, workers, appCore.HandleRetry)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}()

	slog.Info("reminder server listening", "addr", addr, "timezone", loc.String())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
