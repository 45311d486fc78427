package models

import "time"

// PerformanceReport is the latest oracle-reported delivery snapshot for an
// escrow. At most one row per escrow; each update replaces it wholesale
// (last write wins, no history).
type PerformanceReport struct {
	EscrowID           int64     `json:"escrow_id"`
	CurrentPerformance int       `json:"current_performance"` // percentage 0-100
	ViewsDelivered     int64     `json:"views_delivered"`
	ClicksDelivered    int64     `json:"clicks_delivered"`
	LastUpdated        time.Time `json:"last_updated"`
}
