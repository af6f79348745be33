package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meditext/internal/servicetoken"
	"meditext/internal/util"
	"meditext/services/scheduler/internal/config"
	"meditext/services/scheduler/internal/tickclient"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)
	interval, _ := config.ParseInterval(cfg.Interval)

	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Issuer:         servicetoken.IssuerScheduler,
	})
	if err != nil {
		util.Fatal("failed to init internal token signer", "err", err)
	}
	client, err := tickclient.NewClient(cfg.ReminderServiceURL, signer)
	if err != nil {
		util.Fatal("failed to init tick client", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("scheduler started", "interval", interval.String(), "target", cfg.ReminderServiceURL)
	tickclient.NewRunner(client, interval, logger).Run(ctx)
	logger.Info("scheduler stopped")
}
