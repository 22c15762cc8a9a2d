package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wakala/payments/internal/api"
	"github.com/wakala/payments/internal/config"
	"github.com/wakala/payments/internal/deadletter"
	"github.com/wakala/payments/internal/domain"
	"github.com/wakala/payments/internal/gateway"
	"github.com/wakala/payments/internal/health"
	"github.com/wakala/payments/internal/notify"
	"github.com/wakala/payments/internal/processor"
	"github.com/wakala/payments/internal/repository"
	"github.com/wakala/payments/internal/retry"
	"github.com/wakala/payments/internal/webhook"
)

func main() {
	cfg := config.Load()

	log.Printf("Initializing database at %s", cfg.DBPath)
	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	defer db.Close()

	// Create repositories.
	txnRepo := repository.NewTransactionRepo(db)
	retryRepo := repository.NewRetryRepo(db)
	dlqRepo := repository.NewDeadLetterRepo(db)

	// Gateway clients. Real provider adapters slot in here; local runs get
	// the simulator.
	gateways := gateway.Registry{}
	for i, gw := range domain.AllGateways {
		gateways[gw] = gateway.NewSimulatedClient(gw, time.Now().UnixNano()+int64(i))
	}

	tracker := health.NewTracker(cfg.CircuitThreshold, cfg.CircuitCooldown)
	scheduler := retry.NewScheduler(retryRepo, retry.Policy{
		MaxAttempts:            cfg.MaxAttempts,
		UnknownCodeMaxAttempts: cfg.UnknownCodeMaxAttempts,
		BaseDelay:              cfg.BaseDelay,
		MaxDelay:               cfg.MaxDelay,
		Multiplier:             cfg.BackoffMultiplier,
	})

	proc := processor.New(
		txnRepo, gateways, tracker, scheduler, dlqRepo, notify.LogSink{},
		cfg.GatewayTimeout, cfg.ConfirmationWindow,
	)
	dlqSvc := deadletter.NewService(dlqRepo, txnRepo, proc, gateways, cfg.GatewayTimeout)
	reconciler := webhook.NewReconciler(cfg.WebhookSecrets, txnRepo, proc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background loops: retry resubmission and confirmation expiry.
	worker := retry.NewWorker(retryRepo, proc, cfg.PollInterval, cfg.CircuitCooldown)
	go worker.Run(ctx)
	go runExpirySweep(ctx, proc, cfg.ExpirySweepEvery)

	router := api.NewRouter(proc, reconciler, dlqSvc, dlqRepo, txnRepo, tracker)

	log.Printf("Wakala Payment Transaction Processor")
	log.Printf("Listening on http://localhost:%s", cfg.Port)
	log.Printf("")
	log.Printf("Endpoints:")
	log.Printf("  POST   /api/v1/payments")
	log.Printf("  GET    /api/v1/payments/{id}")
	log.Printf("  POST   /api/v1/payments/{id}/cancel")
	log.Printf("  POST   /api/v1/webhooks/{gateway}")
	log.Printf("  GET    /api/v1/dead-letters")
	log.Printf("  POST   /api/v1/dead-letters/{id}/resolve")
	log.Printf("  GET    /api/v1/gateways/health")

	server := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

func runExpirySweep(ctx context.Context, proc *processor.TransactionProcessor, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := proc.ExpireOverdue(ctx)
			if err != nil {
				log.Printf("[expiry] sweep failed: %v", err)
				continue
			}
			if expired > 0 {
				log.Printf("[expiry] expired %d transaction(s)", expired)
			}
		}
	}
}
