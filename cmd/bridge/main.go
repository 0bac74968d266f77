// Command bridge boots the reconciliation bridge: it loads configuration,
// builds the tenant registry, the credit ledger and the mapping cache,
// connects to the durable queue, starts the two subject consumers and the
// HTTP ingress, and shuts everything down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"wootrico-bridge/internal/config"
	"wootrico-bridge/internal/httpapi"
	"wootrico-bridge/internal/ledger"
	"wootrico-bridge/internal/log"
	"wootrico-bridge/internal/mapping"
	"wootrico-bridge/internal/processor"
	"wootrico-bridge/internal/queue"
	"wootrico-bridge/internal/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.Init(cfg.LogLevel)
	log.SetGlobalLogger(logger)
	logger.Info().Msg("starting wootrico reconciliation bridge")

	registry, err := tenant.Load(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load tenant registry")
	}
	for _, entry := range registry.All() {
		entry.Helpdesk.SetWebhookURL(cfg.CallbackURL())
	}

	creditLedger := ledger.New()
	mappingCache := mapping.New(cfg.MappingWipeInterval, logger, creditLedger.Wipe)
	mappingCache.StartWipeTimer()
	defer mappingCache.StopWipeTimer()

	q, err := queue.Connect(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to durable queue")
	}
	defer q.Close()

	proc := processor.New(registry, creditLedger, mappingCache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := q.RunPrincipalConsumer(ctx, proc.HandlePrincipal); err != nil {
			logger.Error().Err(err).Msg("principal consumer stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := q.RunCallbackConsumer(ctx, proc.HandleCallback); err != nil {
			logger.Error().Err(err).Msg("callback consumer stopped")
		}
	}()

	server := httpapi.New(cfg, q, registry, creditLedger, logger)

	go func() {
		address := fmt.Sprintf(":%s", cfg.Port)
		logger.Info().Str("address", address).Msg("http ingress starting")
		if err := server.Start(address); err != nil {
			logger.Fatal().Err(err).Msg("http ingress failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()

	if err := server.Shutdown(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("http ingress forced to shutdown")
	}
	wg.Wait()
	logger.Info().Msg("shutdown complete")
}
