package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/rooms"
)

const (
	// DefaultType classifies notifications created without an explicit type.
	DefaultType = "info"

	maxTitleLength       = 255
	maxMessageLength     = 4000
	maxTypeLength        = 64
	maxActionURLLength   = 512
	maxActionLabelLength = 128
	maxIdentifierLength  = 190
)

// TargetSpec names who should receive a notification: explicit principal ids
// and/or rooms. It is resolved into a concrete recipient set once, at creation.
type TargetSpec struct {
	PrincipalIDs []string     `json:"principalIds,omitempty"`
	Rooms        []rooms.Room `json:"rooms,omitempty"`
}

// IsEmpty reports whether the target names nobody.
func (t TargetSpec) IsEmpty() bool {
	return len(t.PrincipalIDs) == 0 && len(t.Rooms) == 0
}

func (t TargetSpec) validate() error {
	for _, id := range t.PrincipalIDs {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" || len(trimmed) > maxIdentifierLength {
			return fmt.Errorf("%w: principal id %q", ErrInvalidInput, id)
		}
	}
	for _, room := range t.Rooms {
		if err := room.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// RoomResolver expands role, tenant and topic rooms into principal ids.
type RoomResolver interface {
	ResolveRoom(ctx context.Context, room rooms.Room) ([]string, error)
}

// Action is an optional client-side navigation hint.
type Action struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

// Consumption is one recipient's read/dismiss state. Nil timestamps mean unset.
type Consumption struct {
	ReadAt      *time.Time `json:"readAt,omitempty"`
	DismissedAt *time.Time `json:"dismissedAt,omitempty"`
}

// Read reports whether a read timestamp is recorded.
func (c Consumption) Read() bool {
	return c.ReadAt != nil
}

// Dismissed reports whether a dismiss timestamp is recorded.
func (c Consumption) Dismissed() bool {
	return c.DismissedAt != nil
}

// Notification is the durable notification record.
type Notification struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Type      string     `json:"type"`
	Action    *Action    `json:"action,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// Target and the recipient state are never serialized to clients.
	Target     TargetSpec             `json:"-"`
	Recipients []string               `json:"-"`
	States     map[string]Consumption `json:"-"`
}

// Expired reports whether the notification is past its expiry at now.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// HasRecipient reports whether principalID belongs to the resolved recipient set.
func (n Notification) HasRecipient(principalID string) bool {
	_, ok := n.States[principalID]
	return ok
}

// Entry is a notification as seen by one recipient.
type Entry struct {
	Notification
	Consumption
}

// CreateInput captures the fields required to create a notification.
type CreateInput struct {
	Title     string
	Message   string
	Type      string
	Target    TargetSpec
	Action    *Action
	ExpiresAt *time.Time
}

func (input CreateInput) normalize() (CreateInput, error) {
	normalized := CreateInput{
		Title:     strings.TrimSpace(input.Title),
		Message:   strings.TrimSpace(input.Message),
		Type:      strings.ToLower(strings.TrimSpace(input.Type)),
		Target:    input.Target,
		ExpiresAt: input.ExpiresAt,
	}
	if normalized.Title == "" || len(normalized.Title) > maxTitleLength {
		return CreateInput{}, fmt.Errorf("%w: title must be 1-%d characters", ErrInvalidInput, maxTitleLength)
	}
	if len(normalized.Message) > maxMessageLength {
		return CreateInput{}, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, maxMessageLength)
	}
	if normalized.Type == "" {
		normalized.Type = DefaultType
	}
	if len(normalized.Type) > maxTypeLength {
		return CreateInput{}, fmt.Errorf("%w: type exceeds %d characters", ErrInvalidInput, maxTypeLength)
	}
	if input.Action != nil {
		action := Action{URL: strings.TrimSpace(input.Action.URL), Label: strings.TrimSpace(input.Action.Label)}
		if action.URL == "" || len(action.URL) > maxActionURLLength || len(action.Label) > maxActionLabelLength {
			return CreateInput{}, fmt.Errorf("%w: invalid action", ErrInvalidInput)
		}
		normalized.Action = &action
	}
	if err := normalized.Target.validate(); err != nil {
		return CreateInput{}, err
	}
	return normalized, nil
}

// ListOptions controls pagination and filtering for ListFor.
type ListOptions struct {
	Page             int
	PageSize         int
	IncludeExpired   bool
	IncludeDismissed bool
}

// ListResult is one page of a principal's notifications, newest first.
type ListResult struct {
	Items    []Entry `json:"items"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
}

// Receipt reports the outcome of a mark-read or dismiss call. Changed is false
// when the call repeated an already recorded transition.
type Receipt struct {
	NotificationID string
	PrincipalID    string
	Consumption    Consumption
	Changed        bool
}
