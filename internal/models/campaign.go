package models

import (
	"time"

	"github.com/google/uuid"
)

// Campaign statuses
const (
	CampaignStatusActive    = "active"
	CampaignStatusCompleted = "completed"
	CampaignStatusArchived  = "archived"
)

// Campaign is the placement an escrow pays for. The oracle reads the posted
// message from t.me and scores delivery against the targets.
type Campaign struct {
	ID               int64     `json:"id"`
	AdvertiserUserID uuid.UUID `json:"advertiser_user_id"`
	Title            string    `json:"title"`
	ChannelUsername  string    `json:"channel_username"`
	MessageID        *int64    `json:"message_id,omitempty"`
	TargetURL        *string   `json:"target_url,omitempty"`
	TargetViews      int64     `json:"target_views"`
	TargetClicks     int64     `json:"target_clicks"`
	ClicksDelivered  int64     `json:"clicks_delivered"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
