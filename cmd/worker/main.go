package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsartrack/backend/internal/config"
	"github.com/pulsartrack/backend/internal/db"
	"github.com/pulsartrack/backend/internal/events"
	"github.com/pulsartrack/backend/internal/repositories"
	"github.com/pulsartrack/backend/internal/services"
	"go.uber.org/zap"
)

const sweepBatchSize = 100

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	escrowRepo := repositories.NewEscrowRepo(pool)
	approvalRepo := repositories.NewApprovalRepo(pool)
	performanceRepo := repositories.NewPerformanceRepo(pool)
	ledgerRepo := repositories.NewLedgerRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	publisher := events.NewRedisPublisher(rdb, log)
	escrowService := services.NewEscrowService(escrowRepo, approvalRepo, performanceRepo, ledgerRepo, auditRepo, publisher, cfg, log)

	log.Info("worker started",
		zap.Duration("refund_sweep_interval", cfg.RefundSweepInterval),
		zap.Duration("conservation_sweep_interval", cfg.ConservationSweepInterval),
	)

	refundTicker := time.NewTicker(cfg.RefundSweepInterval)
	conservationTicker := time.NewTicker(cfg.ConservationSweepInterval)
	defer refundTicker.Stop()
	defer conservationTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-refundTicker.C:
			runRefundSweep(ctx, escrowService, log)
		case <-conservationTicker.C:
			runConservationSweep(ctx, escrowService, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// runRefundSweep returns locked funds of every expired escrow to its
// depositor. Makes refund-on-expiry hold even when nobody calls refund
// by hand.
func runRefundSweep(ctx context.Context, escrowService *services.EscrowService, log *zap.Logger) {
	n, err := escrowService.SweepExpired(ctx, sweepBatchSize)
	if err != nil {
		log.Error("refund sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("refund sweep done", zap.Int("refunded", n))
	}
}

// runConservationSweep audits locked + released + refunded == amount across
// all escrows. A non-zero count means corrupted state and pages loudly.
func runConservationSweep(ctx context.Context, escrowService *services.EscrowService, log *zap.Logger) {
	violations, err := escrowService.CheckConservation(ctx)
	if err != nil {
		log.Error("conservation sweep failed", zap.Error(err))
		return
	}
	if violations > 0 {
		log.Error("conservation invariant violated", zap.Int64("escrows", violations))
	}
}
