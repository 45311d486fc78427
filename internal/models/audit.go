package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog records every lifecycle mutation with its actor. EntityID is a
// string because escrows use numeric ids while users and campaigns differ.
type AuditLog struct {
	ID          uuid.UUID      `json:"id"`
	ActorUserID *uuid.UUID     `json:"actor_user_id,omitempty"`
	ActorType   string         `json:"actor_type"` // user / oracle / system
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    *string        `json:"entity_id,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
