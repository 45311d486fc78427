package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pulsartrack/backend/internal/models"
	"github.com/pulsartrack/backend/internal/repositories"
	"go.uber.org/zap"
)

type CampaignService struct {
	campaignRepo *repositories.CampaignRepo
	auditRepo    *repositories.AuditRepo
	log          *zap.Logger
}

func NewCampaignService(
	campaignRepo *repositories.CampaignRepo,
	auditRepo *repositories.AuditRepo,
	log *zap.Logger,
) *CampaignService {
	return &CampaignService{
		campaignRepo: campaignRepo,
		auditRepo:    auditRepo,
		log:          log,
	}
}

func (s *CampaignService) Create(ctx context.Context, userID uuid.UUID, c *models.Campaign) error {
	c.AdvertiserUserID = userID
	if c.Status == "" {
		c.Status = models.CampaignStatusActive
	}
	if c.ChannelUsername == "" {
		return fmt.Errorf("channel username is required")
	}

	if err := s.campaignRepo.Create(ctx, c); err != nil {
		return err
	}

	entityID := fmt.Sprintf("%d", c.ID)
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorUserID: &userID,
		ActorType:   "user",
		Action:      "campaign_created",
		EntityType:  "campaign",
		EntityID:    &entityID,
	})

	return nil
}

func (s *CampaignService) GetByID(ctx context.Context, id int64, userID uuid.UUID) (*models.Campaign, error) {
	c, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.AdvertiserUserID != userID {
		return nil, fmt.Errorf("campaign not found")
	}
	return c, nil
}

func (s *CampaignService) List(ctx context.Context, userID uuid.UUID, f repositories.CampaignFilter) ([]models.Campaign, error) {
	f.AdvertiserUserID = &userID
	return s.campaignRepo.List(ctx, f)
}

// SetMessageID points the campaign at the published t.me post so the oracle
// can start scoring it.
func (s *CampaignService) SetMessageID(ctx context.Context, id int64, userID uuid.UUID, messageID int64) error {
	existing, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil || existing == nil {
		return fmt.Errorf("campaign not found")
	}
	if existing.AdvertiserUserID != userID {
		return fmt.Errorf("campaign not found")
	}
	return s.campaignRepo.SetMessageID(ctx, id, messageID)
}

// RecordClick bumps the delivered-clicks counter and resolves the redirect
// target. Called from the public click endpoint, no auth.
func (s *CampaignService) RecordClick(ctx context.Context, id int64) (string, error) {
	c, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil || c == nil {
		return "", fmt.Errorf("campaign not found")
	}
	if c.TargetURL == nil || *c.TargetURL == "" {
		return "", fmt.Errorf("campaign has no target url")
	}
	if err := s.campaignRepo.IncrementClicks(ctx, id); err != nil {
		s.log.Warn("click increment failed", zap.Int64("campaign_id", id), zap.Error(err))
	}
	return *c.TargetURL, nil
}

// ListTrackable returns active campaigns with a published post, for the
// oracle's scoring pass.
func (s *CampaignService) ListTrackable(ctx context.Context) ([]models.Campaign, error) {
	return s.campaignRepo.ListTrackable(ctx)
}
