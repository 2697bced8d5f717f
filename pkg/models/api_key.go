package models

import (
	"time"

	"github.com/google/uuid"
)

// API roles.
const (
	RoleAgent    = "agent"
	RoleUser     = "user"
	RoleOperator = "operator"
)

// APIKey authenticates API callers. KeyHash is a bcrypt hash of the full
// key, KeyPrefix its first characters used for lookup. APINetworks limits
// which addresses the caller may query through the public storage routes.
type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	KeyHash     string     `json:"-"`
	KeyPrefix   string     `json:"key_prefix"`
	Role        string     `json:"role"`
	APINetworks []string   `json:"api_networks"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at"`
}
