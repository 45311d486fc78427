package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/pulsartrack/backend/internal/http/dto"
	"github.com/pulsartrack/backend/internal/middleware"
	"github.com/pulsartrack/backend/internal/models"
	"github.com/pulsartrack/backend/internal/repositories"
	"github.com/pulsartrack/backend/internal/services"
	"go.uber.org/zap"
)

type CampaignHandler struct {
	campaignService *services.CampaignService
	log             *zap.Logger
}

func NewCampaignHandler(campaignService *services.CampaignService, log *zap.Logger) *CampaignHandler {
	return &CampaignHandler{campaignService: campaignService, log: log}
}

func campaignIDParam(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

func (h *CampaignHandler) CreateCampaign(c *fiber.Ctx) error {
	var req dto.CreateCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	if req.Title == "" || req.ChannelUsername == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "title and channel_username are required"})
	}

	campaign := &models.Campaign{
		Title:           req.Title,
		ChannelUsername: req.ChannelUsername,
		TargetURL:       req.TargetURL,
		TargetViews:     req.TargetViews,
		TargetClicks:    req.TargetClicks,
	}

	userID := middleware.GetUserID(c)
	if err := h.campaignService.Create(c.Context(), userID, campaign); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: campaign})
}

func (h *CampaignHandler) GetCampaign(c *fiber.Ctx) error {
	id, err := campaignIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid campaign id"})
	}

	userID := middleware.GetUserID(c)
	campaign, err := h.campaignService.GetByID(c.Context(), id, userID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "campaign not found"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: campaign})
}

func (h *CampaignHandler) ListCampaigns(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	filter := repositories.CampaignFilter{
		Limit:  c.QueryInt("limit", 20),
		Offset: c.QueryInt("offset", 0),
	}
	if status := c.Query("status"); status != "" {
		filter.Status = &status
	}

	campaigns, err := h.campaignService.List(c.Context(), userID, filter)
	if err != nil {
		h.log.Error("list campaigns failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: campaigns})
}

func (h *CampaignHandler) SetMessageID(c *fiber.Ctx) error {
	id, err := campaignIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid campaign id"})
	}

	var req dto.SetMessageIDRequest
	if err := c.BodyParser(&req); err != nil || req.MessageID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "message_id must be positive"})
	}

	userID := middleware.GetUserID(c)
	if err := h.campaignService.SetMessageID(c.Context(), id, userID, req.MessageID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	updated, _ := h.campaignService.GetByID(c.Context(), id, userID)
	return c.JSON(dto.SuccessResponse{OK: true, Data: updated})
}

// Click is the public redirect endpoint baked into campaign creatives.
// It counts the click, then forwards to the advertiser's target URL.
func (h *CampaignHandler) Click(c *fiber.Ctx) error {
	id, err := campaignIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid campaign id"})
	}

	target, err := h.campaignService.RecordClick(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "campaign not found"})
	}
	return c.Redirect(target, fiber.StatusFound)
}
