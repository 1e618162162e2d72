package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidPrincipal indicates the principal did not carry a usable identifier.
var ErrInvalidPrincipal = errors.New("users: invalid principal")

// ServiceConfig describes the dependencies required for the principal directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records principals seen on authenticated requests and answers
// role/tenant membership queries for notification targeting.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

type cachedPrincipal struct {
	role     string
	tenantID string
}

// NewService constructs the principal directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Touch upserts the principal's role and tenant. Writes are skipped when the
// cached attributes are unchanged since the last call.
func (s *Service) Touch(ctx context.Context, principal auth.Principal) error {
	userID := normalize(principal.ID)
	if userID == "" {
		return ErrInvalidPrincipal
	}
	current := cachedPrincipal{role: auth.NormalizeRole(principal.Role), tenantID: normalize(principal.TenantID)}
	if cached, ok := s.cache.Load(userID); ok {
		if previous, ok := cached.(cachedPrincipal); ok && previous == current {
			return nil
		}
	}

	record := PrincipalRecord{
		UserID:     userID,
		Role:       current.role,
		TenantID:   current.tenantID,
		LastSeenAt: s.now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "tenant_id", "last_seen_at", "updated_at"}),
		}).
		Create(&record).
		Error
	if err != nil {
		return err
	}

	s.cache.Store(userID, current)
	return nil
}

// Get returns the stored record for a principal.
func (s *Service) Get(ctx context.Context, userID string) (PrincipalRecord, error) {
	var record PrincipalRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", normalize(userID)).
		Take(&record).
		Error
	return record, err
}

// PrincipalIDsByRole lists every known principal holding role.
func (s *Service) PrincipalIDsByRole(ctx context.Context, role string) ([]string, error) {
	return s.pluckIDs(ctx, "role = ?", auth.NormalizeRole(role))
}

// PrincipalIDsByTenant lists every known principal belonging to tenantID.
func (s *Service) PrincipalIDsByTenant(ctx context.Context, tenantID string) ([]string, error) {
	tenantID = normalize(tenantID)
	if tenantID == "" {
		return nil, nil
	}
	return s.pluckIDs(ctx, "tenant_id = ?", tenantID)
}

func (s *Service) pluckIDs(ctx context.Context, condition string, value string) ([]string, error) {
	var identifiers []string
	err := s.db.WithContext(ctx).
		Model(&PrincipalRecord{}).
		Where(condition, value).
		Order("user_id ASC").
		Pluck("user_id", &identifiers).
		Error
	if err != nil {
		return nil, err
	}
	return identifiers, nil
}
