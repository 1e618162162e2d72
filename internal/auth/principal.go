package auth

import (
	"errors"
	"strings"
)

// Canonical platform roles. Other role names are accepted verbatim.
const (
	RoleVisitor     = "visitor"
	RoleMuseumAdmin = "museum-admin"
	RoleSuperAdmin  = "super-admin"
)

const maxIdentifierLength = 190

// ErrInvalidPrincipal indicates credential claims without a usable identity.
var ErrInvalidPrincipal = errors.New("auth: invalid principal")

// Principal is the authenticated actor behind a request or connection.
type Principal struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	TenantID string `json:"tenantId,omitempty"`
}

// NewPrincipal normalizes and validates principal attributes.
func NewPrincipal(id, role, tenantID string) (Principal, error) {
	principal := Principal{
		ID:       strings.TrimSpace(id),
		Role:     NormalizeRole(role),
		TenantID: strings.TrimSpace(tenantID),
	}
	if principal.ID == "" || len(principal.ID) > maxIdentifierLength {
		return Principal{}, ErrInvalidPrincipal
	}
	if len(principal.TenantID) > maxIdentifierLength {
		return Principal{}, ErrInvalidPrincipal
	}
	return principal, nil
}

// NormalizeRole lower-cases a role name and falls back to visitor.
func NormalizeRole(role string) string {
	normalized := strings.ToLower(strings.TrimSpace(role))
	if normalized == "" {
		return RoleVisitor
	}
	return normalized
}

// IsAdmin reports whether the principal may author notifications.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleMuseumAdmin || p.Role == RoleSuperAdmin
}

// IsSuperAdmin reports whether the principal administers the whole platform.
func (p Principal) IsSuperAdmin() bool {
	return p.Role == RoleSuperAdmin
}
