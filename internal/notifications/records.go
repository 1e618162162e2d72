package notifications

import (
	"encoding/json"
	"time"
)

// NotificationRecord is the persisted notification row.
type NotificationRecord struct {
	NotificationID  string `gorm:"column:notification_id;primaryKey;size:64;not null"`
	Title           string `gorm:"column:title;size:255;not null"`
	Message         string `gorm:"column:message;type:text;not null"`
	Type            string `gorm:"column:type;size:64;not null"`
	TargetJSON      string `gorm:"column:target_json;type:text;not null"`
	ActionURL       string `gorm:"column:action_url;size:512;not null;default:''"`
	ActionLabel     string `gorm:"column:action_label;size:128;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_notifications_created"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null;default:0;index:idx_notifications_expires"`
}

// TableName provides the explicit table binding for GORM.
func (NotificationRecord) TableName() string {
	return "notifications"
}

// RecipientRecord stores one recipient's consumption state. Zero millis mean unset.
type RecipientRecord struct {
	NotificationID    string `gorm:"column:notification_id;primaryKey;size:64;not null"`
	PrincipalID       string `gorm:"column:principal_id;primaryKey;size:190;not null;index:idx_recipients_principal"`
	ReadAtMillis      int64  `gorm:"column:read_at_ms;not null;default:0"`
	DismissedAtMillis int64  `gorm:"column:dismissed_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RecipientRecord) TableName() string {
	return "notification_recipients"
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func optionalMillis(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return toMillis(*value)
}

func fromMillis(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.UnixMilli(value).UTC()
	return &converted
}

func (r RecipientRecord) consumption() Consumption {
	return Consumption{
		ReadAt:      fromMillis(r.ReadAtMillis),
		DismissedAt: fromMillis(r.DismissedAtMillis),
	}
}

func (r NotificationRecord) notification() Notification {
	notification := Notification{
		ID:        r.NotificationID,
		Title:     r.Title,
		Message:   r.Message,
		Type:      r.Type,
		CreatedAt: time.UnixMilli(r.CreatedAtMillis).UTC(),
		ExpiresAt: fromMillis(r.ExpiresAtMillis),
	}
	if r.ActionURL != "" {
		notification.Action = &Action{URL: r.ActionURL, Label: r.ActionLabel}
	}
	if r.TargetJSON != "" {
		// A corrupt target only loses audit detail; recipients are stored separately.
		_ = json.Unmarshal([]byte(r.TargetJSON), &notification.Target)
	}
	return notification
}
