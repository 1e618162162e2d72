package users

import (
	"strings"
	"time"
)

// PrincipalRecord remembers a principal seen by the platform so that role and
// tenant targeting can reach principals that are currently offline.
type PrincipalRecord struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role       string    `gorm:"column:role;size:64;not null;index:idx_principals_role"`
	TenantID   string    `gorm:"column:tenant_id;size:190;not null;default:'';index:idx_principals_tenant"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the principal directory.
func (PrincipalRecord) TableName() string {
	return "principals"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
