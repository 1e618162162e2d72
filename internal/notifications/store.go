package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize         = 20
	maxPageSize             = 100
	maxPage                 = 1_000_000
	defaultExpiredRetention = 24 * time.Hour
	recipientBatchSize      = 200
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of the notification store.
// ExpiredRetention is how long expired notifications are kept before
// SweepExpired reclaims them.
type StoreConfig struct {
	Database         *gorm.DB
	Resolver         RoomResolver
	Clock            func() time.Time
	IDProvider       IDProvider
	Logger           *zap.Logger
	ExpiredRetention time.Duration
}

// Store is the single source of truth for notifications and their consumption state.
type Store struct {
	db               *gorm.DB
	resolver         RoomResolver
	clock            func() time.Time
	idProvider       IDProvider
	logger           *zap.Logger
	expiredRetention time.Duration
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, CodeInvalidRequest, errMissingDatabase)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retention := cfg.ExpiredRetention
	if retention <= 0 {
		retention = defaultExpiredRetention
	}
	return &Store{
		db:               cfg.Database,
		resolver:         cfg.Resolver,
		clock:            clock,
		idProvider:       idProvider,
		logger:           logger,
		expiredRetention: retention,
	}, nil
}

// Create resolves the target into a recipient set and persists the notification
// with empty consumption state for every recipient.
func (s *Store) Create(ctx context.Context, input CreateInput) (Notification, error) {
	normalized, err := input.normalize()
	if err != nil {
		return Notification{}, newServiceError(opCreate, CodeInvalidRequest, err)
	}

	recipients, err := s.ResolveTarget(ctx, normalized.Target)
	if err != nil {
		s.logError(opCreate, "resolve_failed", err)
		return Notification{}, storeFailure(opCreate, err)
	}
	if len(recipients) == 0 {
		return Notification{}, newServiceError(opCreate, CodeInvalidTarget, ErrInvalidTarget)
	}

	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Notification{}, storeFailure(opCreate, err)
	}
	targetJSON, err := json.Marshal(normalized.Target)
	if err != nil {
		return Notification{}, newServiceError(opCreate, CodeInvalidRequest, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}

	createdAt := s.clock().UTC()
	record := NotificationRecord{
		NotificationID:  notificationID,
		Title:           normalized.Title,
		Message:         normalized.Message,
		Type:            normalized.Type,
		TargetJSON:      string(targetJSON),
		CreatedAtMillis: toMillis(createdAt),
		ExpiresAtMillis: optionalMillis(normalized.ExpiresAt),
	}
	if normalized.Action != nil {
		record.ActionURL = normalized.Action.URL
		record.ActionLabel = normalized.Action.Label
	}
	recipientRows := make([]RecipientRecord, 0, len(recipients))
	for _, principalID := range recipients {
		recipientRows = append(recipientRows, RecipientRecord{
			NotificationID: notificationID,
			PrincipalID:    principalID,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(recipientRows, recipientBatchSize).Error
	})
	if txErr != nil {
		s.logError(opCreate, "insert_failed", txErr, zap.String("notification_id", notificationID))
		return Notification{}, storeFailure(opCreate, txErr)
	}

	notification := record.notification()
	notification.Target = normalized.Target
	notification.Recipients = recipients
	notification.States = make(map[string]Consumption, len(recipients))
	for _, principalID := range recipients {
		notification.States[principalID] = Consumption{}
	}
	return notification, nil
}

// ResolveTarget expands a target into a sorted, deduplicated set of principal ids.
func (s *Store) ResolveTarget(ctx context.Context, target TargetSpec) ([]string, error) {
	set := make(map[string]struct{})
	for _, id := range target.PrincipalIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	for _, room := range target.Rooms {
		if room.Kind() == rooms.KindUser {
			set[room.Key()] = struct{}{}
			continue
		}
		if s.resolver == nil {
			continue
		}
		members, err := s.resolver.ResolveRoom(ctx, room)
		if err != nil {
			return nil, err
		}
		for _, member := range members {
			if member != "" {
				set[member] = struct{}{}
			}
		}
	}
	recipients := make([]string, 0, len(set))
	for id := range set {
		recipients = append(recipients, id)
	}
	sort.Strings(recipients)
	return recipients, nil
}

// MarkRead records the read timestamp for principalID. Repeating the call keeps
// the original timestamp.
func (s *Store) MarkRead(ctx context.Context, notificationID, principalID string) (Receipt, error) {
	now := toMillis(s.clock())
	result := s.recipientScope(ctx, notificationID, principalID).
		Where("read_at_ms = 0").
		Update("read_at_ms", now)
	if result.Error != nil {
		s.logError(opMarkRead, "update_failed", result.Error, zap.String("notification_id", notificationID))
		return Receipt{}, storeFailure(opMarkRead, result.Error)
	}
	return s.receipt(ctx, opMarkRead, notificationID, principalID, result.RowsAffected > 0)
}

// Dismiss records the dismiss timestamp for principalID and implies read.
func (s *Store) Dismiss(ctx context.Context, notificationID, principalID string) (Receipt, error) {
	now := toMillis(s.clock())
	result := s.recipientScope(ctx, notificationID, principalID).
		Where("dismissed_at_ms = 0").
		Updates(map[string]interface{}{
			"dismissed_at_ms": now,
			"read_at_ms":      gorm.Expr("CASE WHEN read_at_ms = 0 THEN ? ELSE read_at_ms END", now),
		})
	if result.Error != nil {
		s.logError(opDismiss, "update_failed", result.Error, zap.String("notification_id", notificationID))
		return Receipt{}, storeFailure(opDismiss, result.Error)
	}
	return s.receipt(ctx, opDismiss, notificationID, principalID, result.RowsAffected > 0)
}

func (s *Store) recipientScope(ctx context.Context, notificationID, principalID string) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&RecipientRecord{}).
		Where("notification_id = ? AND principal_id = ?", strings.TrimSpace(notificationID), strings.TrimSpace(principalID))
}

func (s *Store) receipt(ctx context.Context, operation, notificationID, principalID string, changed bool) (Receipt, error) {
	var row RecipientRecord
	err := s.recipientScope(ctx, notificationID, principalID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Receipt{}, newServiceError(operation, CodeNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "select_failed", err, zap.String("notification_id", notificationID))
		return Receipt{}, storeFailure(operation, err)
	}
	return Receipt{
		NotificationID: row.NotificationID,
		PrincipalID:    row.PrincipalID,
		Consumption:    row.consumption(),
		Changed:        changed,
	}, nil
}

// UnreadCount counts live notifications addressed to principalID without a read timestamp.
func (s *Store) UnreadCount(ctx context.Context, principalID string) (int64, error) {
	var count int64
	err := s.recipientJoin(ctx, principalID).
		Where("r.read_at_ms = 0").
		Where("(n.expires_at_ms = 0 OR n.expires_at_ms > ?)", toMillis(s.clock())).
		Count(&count).
		Error
	if err != nil {
		s.logError(opUnreadCount, "count_failed", err, zap.String("principal_id", principalID))
		return 0, storeFailure(opUnreadCount, err)
	}
	return count, nil
}

type entryRow struct {
	NotificationRecord
	ReadAtMillis      int64 `gorm:"column:read_at_ms"`
	DismissedAtMillis int64 `gorm:"column:dismissed_at_ms"`
}

// ListFor returns one page of principalID's notifications, newest first.
// Expired and dismissed notifications are excluded unless requested.
func (s *Store) ListFor(ctx context.Context, principalID string, opts ListOptions) (ListResult, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	scope := func() *gorm.DB {
		query := s.recipientJoin(ctx, principalID)
		if !opts.IncludeExpired {
			query = query.Where("(n.expires_at_ms = 0 OR n.expires_at_ms > ?)", toMillis(s.clock()))
		}
		if !opts.IncludeDismissed {
			query = query.Where("r.dismissed_at_ms = 0")
		}
		return query
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		s.logError(opListFor, "count_failed", err, zap.String("principal_id", principalID))
		return ListResult{}, storeFailure(opListFor, err)
	}

	var rows []entryRow
	err := scope().
		Select("n.*, r.read_at_ms, r.dismissed_at_ms").
		Order("n.created_at_ms DESC, n.notification_id DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Scan(&rows).
		Error
	if err != nil {
		s.logError(opListFor, "query_failed", err, zap.String("principal_id", principalID))
		return ListResult{}, storeFailure(opListFor, err)
	}

	items := make([]Entry, 0, len(rows))
	for _, row := range rows {
		items = append(items, Entry{
			Notification: row.NotificationRecord.notification(),
			Consumption: Consumption{
				ReadAt:      fromMillis(row.ReadAtMillis),
				DismissedAt: fromMillis(row.DismissedAtMillis),
			},
		})
	}
	return ListResult{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *Store) recipientJoin(ctx context.Context, principalID string) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("notification_recipients AS r").
		Joins("JOIN notifications AS n ON n.notification_id = r.notification_id").
		Where("r.principal_id = ?", strings.TrimSpace(principalID))
}

// Get loads a notification with its full recipient state.
func (s *Store) Get(ctx context.Context, notificationID string) (Notification, error) {
	var record NotificationRecord
	err := s.db.WithContext(ctx).
		Where("notification_id = ?", strings.TrimSpace(notificationID)).
		Take(&record).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Notification{}, newServiceError(opGet, CodeNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("notification_id", notificationID))
		return Notification{}, storeFailure(opGet, err)
	}

	var recipientRows []RecipientRecord
	err = s.db.WithContext(ctx).
		Where("notification_id = ?", record.NotificationID).
		Order("principal_id ASC").
		Find(&recipientRows).
		Error
	if err != nil {
		s.logError(opGet, "recipients_select_failed", err, zap.String("notification_id", notificationID))
		return Notification{}, storeFailure(opGet, err)
	}

	notification := record.notification()
	notification.Recipients = make([]string, 0, len(recipientRows))
	notification.States = make(map[string]Consumption, len(recipientRows))
	for _, row := range recipientRows {
		notification.Recipients = append(notification.Recipients, row.PrincipalID)
		notification.States[row.PrincipalID] = row.consumption()
	}
	return notification, nil
}

// SweepExpired deletes notifications whose expiry passed more than the
// retention window ago and returns how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := toMillis(s.clock().Add(-s.expiredRetention))
	var removed int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identifiers []string
		if err := tx.Model(&NotificationRecord{}).
			Where("expires_at_ms <> 0 AND expires_at_ms <= ?", cutoff).
			Pluck("notification_id", &identifiers).Error; err != nil {
			return err
		}
		if len(identifiers) == 0 {
			return nil
		}
		if err := tx.Where("notification_id IN ?", identifiers).Delete(&RecipientRecord{}).Error; err != nil {
			return err
		}
		result := tx.Where("notification_id IN ?", identifiers).Delete(&NotificationRecord{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return nil
	})
	if txErr != nil {
		s.logError(opSweepExpired, "delete_failed", txErr)
		return 0, storeFailure(opSweepExpired, txErr)
	}
	return removed, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notification store error", attrs...)
}
