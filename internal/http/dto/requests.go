package dto

type AuthTelegramRequest struct {
	InitData string `json:"init_data"`
}

// Escrows

type CreateEscrowRequest struct {
	CampaignID           int64    `json:"campaign_id"`
	BeneficiaryUserID    string   `json:"beneficiary_user_id"`
	AmountNano           string   `json:"amount_nano"`
	TimeLockSeconds      int64    `json:"time_lock_seconds,omitempty"`
	ExpiresInSeconds     int64    `json:"expires_in_seconds"`
	PerformanceThreshold int      `json:"performance_threshold,omitempty"`
	RequiredApprovers    []string `json:"required_approvers,omitempty"`
}

type ReleasePartialRequest struct {
	AmountNano string `json:"amount_nano"`
}

type UpdatePerformanceRequest struct {
	Performance     int   `json:"performance"`
	ViewsDelivered  int64 `json:"views_delivered"`
	ClicksDelivered int64 `json:"clicks_delivered"`
}

// Campaigns

type CreateCampaignRequest struct {
	Title           string  `json:"title"`
	ChannelUsername string  `json:"channel_username"`
	TargetURL       *string `json:"target_url,omitempty"`
	TargetViews     int64   `json:"target_views"`
	TargetClicks    int64   `json:"target_clicks,omitempty"`
}

type SetMessageIDRequest struct {
	MessageID int64 `json:"message_id"`
}
