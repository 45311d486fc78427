package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pulsartrack/backend/internal/config"
	"github.com/pulsartrack/backend/internal/http/handlers"
	"github.com/pulsartrack/backend/internal/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	userHandler *handlers.UserHandler,
	escrowHandler *handlers.EscrowHandler,
	campaignHandler *handlers.CampaignHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Public click redirect, short path so it fits in creatives.
	app.Get("/c/:id", campaignHandler.Click)

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/telegram", authHandler.TelegramAuth)

	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// User
	protected.Get("/me", userHandler.GetMe)
	protected.Get("/me/balance", userHandler.GetBalance)
	protected.Post("/me/ping", userHandler.Ping)

	// Campaigns
	protected.Post("/campaigns", campaignHandler.CreateCampaign)
	protected.Get("/campaigns", campaignHandler.ListCampaigns)
	protected.Get("/campaigns/:id", campaignHandler.GetCampaign)
	protected.Post("/campaigns/:id/message", campaignHandler.SetMessageID)

	// Escrows
	protected.Post("/escrows", escrowHandler.Create)
	protected.Get("/escrows", escrowHandler.List)
	protected.Get("/escrows/:id", escrowHandler.Get)
	protected.Get("/escrows/:id/can-release", escrowHandler.CanRelease)
	protected.Get("/escrows/:id/approvals", escrowHandler.ListApprovals)
	protected.Get("/escrows/:id/events", escrowHandler.Events)
	protected.Get("/escrows/:id/performance", escrowHandler.GetPerformance)
	protected.Post("/escrows/:id/approve", escrowHandler.Approve)
	protected.Post("/escrows/:id/release", escrowHandler.Release)
	protected.Post("/escrows/:id/release-partial", escrowHandler.ReleasePartial)
	protected.Post("/escrows/:id/refund", escrowHandler.Refund)

	// Oracle-only performance feed
	oracle := protected.Group("", middleware.OracleMiddleware(cfg))
	oracle.Post("/escrows/:id/performance", escrowHandler.UpdatePerformance)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
