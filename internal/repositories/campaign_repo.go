package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pulsartrack/backend/internal/models"
)

type CampaignRepo struct {
	pool *pgxpool.Pool
}

func NewCampaignRepo(pool *pgxpool.Pool) *CampaignRepo {
	return &CampaignRepo{pool: pool}
}

func (r *CampaignRepo) Create(ctx context.Context, c *models.Campaign) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO campaigns (advertiser_user_id, title, channel_username, message_id, target_url, target_views, target_clicks, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, c.AdvertiserUserID, c.Title, c.ChannelUsername, c.MessageID, c.TargetURL,
		c.TargetViews, c.TargetClicks, c.Status,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (r *CampaignRepo) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	var c models.Campaign
	err := r.pool.QueryRow(ctx, `
		SELECT id, advertiser_user_id, title, channel_username, message_id, target_url,
		       target_views, target_clicks, clicks_delivered, status, created_at, updated_at
		FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.AdvertiserUserID, &c.Title, &c.ChannelUsername, &c.MessageID,
		&c.TargetURL, &c.TargetViews, &c.TargetClicks, &c.ClicksDelivered, &c.Status,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepo) SetMessageID(ctx context.Context, id int64, messageID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET message_id = $1, updated_at = now() WHERE id = $2
	`, messageID, id)
	return err
}

func (r *CampaignRepo) IncrementClicks(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET clicks_delivered = clicks_delivered + 1, updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

type CampaignFilter struct {
	AdvertiserUserID *uuid.UUID
	Status           *string
	Limit            int
	Offset           int
}

func (r *CampaignRepo) List(ctx context.Context, f CampaignFilter) ([]models.Campaign, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	query := `
		SELECT id, advertiser_user_id, title, channel_username, message_id, target_url,
		       target_views, target_clicks, clicks_delivered, status, created_at, updated_at
		FROM campaigns WHERE 1=1`
	args := []any{}
	i := 1

	if f.AdvertiserUserID != nil {
		query += fmt.Sprintf(" AND advertiser_user_id = $%d", i)
		args = append(args, *f.AdvertiserUserID)
		i++
	}
	if f.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", i)
		args = append(args, *f.Status)
		i++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", i, i+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID, &c.AdvertiserUserID, &c.Title, &c.ChannelUsername,
			&c.MessageID, &c.TargetURL, &c.TargetViews, &c.TargetClicks,
			&c.ClicksDelivered, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ListTrackable returns active campaigns with a posted message the oracle
// can score.
func (r *CampaignRepo) ListTrackable(ctx context.Context) ([]models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, advertiser_user_id, title, channel_username, message_id, target_url,
		       target_views, target_clicks, clicks_delivered, status, created_at, updated_at
		FROM campaigns
		WHERE status = $1 AND message_id IS NOT NULL
	`, models.CampaignStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID, &c.AdvertiserUserID, &c.Title, &c.ChannelUsername,
			&c.MessageID, &c.TargetURL, &c.TargetViews, &c.TargetClicks,
			&c.ClicksDelivered, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}
