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
	"github.com/pulsartrack/backend/internal/models"
	"github.com/pulsartrack/backend/internal/rbac"
	"github.com/pulsartrack/backend/internal/repositories"
	"github.com/pulsartrack/backend/internal/services"
	"github.com/pulsartrack/backend/internal/statsparser"
	"go.uber.org/zap"
)

// The oracle reads public t.me pages for each trackable campaign, scores
// delivery against the campaign targets and feeds the result into the
// escrow performance reports.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	if len(cfg.OracleTelegramIDs) == 0 {
		log.Fatal("ORACLE_TELEGRAM_IDS is required for the oracle daemon")
	}

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
	campaignRepo := repositories.NewCampaignRepo(pool)

	publisher := events.NewRedisPublisher(rdb, log)
	escrowService := services.NewEscrowService(escrowRepo, approvalRepo, performanceRepo, ledgerRepo, auditRepo, publisher, cfg, log)
	campaignService := services.NewCampaignService(campaignRepo, auditRepo, log)
	parser := statsparser.NewParser(cfg.TMEFetchTimeoutMS, cfg.TMEFetchMaxRetries, log)

	oracleActor := rbac.Actor{TelegramID: cfg.OracleTelegramIDs[0]}

	log.Info("oracle started", zap.Duration("interval", cfg.OracleFetchInterval))

	ticker := time.NewTicker(cfg.OracleFetchInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			runScoringPass(ctx, campaignService, escrowService, parser, oracleActor, log)
		case <-sigCh:
			log.Info("shutting down oracle")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runScoringPass(
	ctx context.Context,
	campaignService *services.CampaignService,
	escrowService *services.EscrowService,
	parser *statsparser.Parser,
	actor rbac.Actor,
	log *zap.Logger,
) {
	campaigns, err := campaignService.ListTrackable(ctx)
	if err != nil {
		log.Error("failed to list trackable campaigns", zap.Error(err))
		return
	}

	for _, campaign := range campaigns {
		stats, err := parser.FetchPostStats(ctx, campaign.ChannelUsername, *campaign.MessageID)
		if err != nil {
			log.Warn("failed to fetch post stats",
				zap.Int64("campaign_id", campaign.ID),
				zap.String("channel", campaign.ChannelUsername),
				zap.Error(err),
			)
			continue
		}

		views := int64(0)
		if stats.Exists {
			views = stats.Views
		}
		score := scoreDelivery(&campaign, views)

		escrows, err := escrowService.ListEscrows(ctx, repositories.EscrowFilter{
			CampaignID: &campaign.ID,
			Limit:      100,
		})
		if err != nil {
			log.Error("failed to list escrows for campaign",
				zap.Int64("campaign_id", campaign.ID),
				zap.Error(err),
			)
			continue
		}

		for _, escrow := range escrows {
			if models.IsTerminalState(escrow.State) {
				continue
			}
			if err := escrowService.UpdatePerformance(ctx, actor, escrow.ID, score, views, campaign.ClicksDelivered); err != nil {
				log.Error("failed to update performance",
					zap.Int64("escrow_id", escrow.ID),
					zap.Error(err),
				)
			}
		}

		log.Info("campaign scored",
			zap.Int64("campaign_id", campaign.ID),
			zap.Int64("views", views),
			zap.Int("score", score),
			zap.Bool("post_exists", stats.Exists),
		)

		time.Sleep(1 * time.Second) // rate limiting
	}
}

// scoreDelivery converts raw delivery numbers into a 0-100 score. Views and
// clicks weigh equally when both targets are set; a missing target drops out
// of the average. No targets at all means full marks.
func scoreDelivery(c *models.Campaign, views int64) int {
	var parts []int64
	if c.TargetViews > 0 {
		parts = append(parts, capPct(views*100/c.TargetViews))
	}
	if c.TargetClicks > 0 {
		parts = append(parts, capPct(c.ClicksDelivered*100/c.TargetClicks))
	}
	if len(parts) == 0 {
		return 100
	}
	var sum int64
	for _, p := range parts {
		sum += p
	}
	return int(sum / int64(len(parts)))
}

func capPct(v int64) int64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}
