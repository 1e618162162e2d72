package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/rooms"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	systemNotificationType = "system"
	unreadCountLockStripes = 64
)

// NotificationStore is the durable side of the dispatcher.
type NotificationStore interface {
	Create(ctx context.Context, input notifications.CreateInput) (notifications.Notification, error)
	MarkRead(ctx context.Context, notificationID, principalID string) (notifications.Receipt, error)
	Dismiss(ctx context.Context, notificationID, principalID string) (notifications.Receipt, error)
	UnreadCount(ctx context.Context, principalID string) (int64, error)
}

// DispatcherConfig describes the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Store    NotificationStore
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Delivery identifies one connection a frame was queued on.
type Delivery struct {
	ConnectionID string `json:"connectionId"`
	PrincipalID  string `json:"principalId"`
}

// DeliveryFault is a per-connection failure. It never aborts the dispatch.
type DeliveryFault struct {
	Delivery
	Code string `json:"code"`
	Err  error  `json:"-"`
}

// DeliveryReport is the outcome of one fan-out.
type DeliveryReport struct {
	NotificationID string          `json:"notificationId,omitempty"`
	Delivered      []Delivery      `json:"delivered"`
	Deferred       []string        `json:"deferred"`
	Faults         []DeliveryFault `json:"faults"`
	Expired        bool            `json:"expired,omitempty"`
}

// Dispatcher pushes notifications and consumption changes to live connections.
type Dispatcher struct {
	registry *Registry
	store    NotificationStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time

	// unreadLocks serialize reading and queuing a principal's unread count so
	// the last frame a connection receives reflects the latest store state.
	unreadLocks [unreadCountLockStripes]sync.Mutex
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		registry: cfg.Registry,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Publish persists a notification and dispatches it. Store failures are
// returned; delivery faults only show up in the report.
func (d *Dispatcher) Publish(ctx context.Context, input notifications.CreateInput) (notifications.Notification, DeliveryReport, error) {
	notification, err := d.store.Create(ctx, input)
	if err != nil {
		return notifications.Notification{}, DeliveryReport{}, err
	}
	d.metrics.NotificationCreated(notification.Type)
	return notification, d.Dispatch(ctx, notification), nil
}

// Dispatch pushes new-notification to every live connection of the
// notification's recipient set, then refreshes their unread counts.
// Recipients without live connections are reported as deferred.
func (d *Dispatcher) Dispatch(ctx context.Context, notification notifications.Notification) DeliveryReport {
	report := DeliveryReport{NotificationID: notification.ID}
	now := d.clock()
	if notification.Expired(now) {
		report.Expired = true
		return report
	}

	frame, err := NewEnvelope(EventNewNotification, NotificationPayload{
		Notification: notification,
		Timestamp:    notification.CreatedAt,
	}, now).encode()
	if err != nil {
		d.logger.Error("failed to encode notification", zap.String("notification_id", notification.ID), zap.Error(err))
		return report
	}

	var online []string
	for _, principalID := range notification.Recipients {
		connections := d.registry.ConnectionsFor(principalID)
		if len(connections) == 0 {
			report.Deferred = append(report.Deferred, principalID)
			continue
		}
		online = append(online, principalID)
		d.fanOut(frame, connections, &report)
	}
	d.metrics.Delivered(EventNewNotification, len(report.Delivered), len(report.Deferred), len(report.Faults))

	for _, principalID := range online {
		if err := d.PushUnreadCount(ctx, principalID); err != nil {
			d.logger.Warn("unread count push failed",
				zap.String("principal_id", principalID),
				zap.String("notification_id", notification.ID),
				zap.Error(err),
			)
		}
	}
	return report
}

// PushUnreadCount sends the principal's current unread count to all of its connections.
func (d *Dispatcher) PushUnreadCount(ctx context.Context, principalID string) error {
	connections := d.registry.ConnectionsFor(principalID)
	if len(connections) == 0 {
		return nil
	}
	unlock := d.lockUnreadCount(principalID)
	defer unlock()
	frame, err := d.unreadCountFrame(ctx, principalID)
	if err != nil {
		return err
	}
	var report DeliveryReport
	d.fanOut(frame, d.registry.ConnectionsFor(principalID), &report)
	d.metrics.Delivered(EventUnreadCount, len(report.Delivered), 0, len(report.Faults))
	return nil
}

// SendUnreadCount answers get-unread-count on a single connection.
func (d *Dispatcher) SendUnreadCount(ctx context.Context, conn *Connection) error {
	unlock := d.lockUnreadCount(conn.Principal().ID)
	defer unlock()
	frame, err := d.unreadCountFrame(ctx, conn.Principal().ID)
	if err != nil {
		return err
	}
	return conn.Enqueue(frame)
}

func (d *Dispatcher) lockUnreadCount(principalID string) func() {
	lock := &d.unreadLocks[xxhash.Sum64String(principalID)%unreadCountLockStripes]
	lock.Lock()
	return lock.Unlock
}

func (d *Dispatcher) unreadCountFrame(ctx context.Context, principalID string) ([]byte, error) {
	count, err := d.store.UnreadCount(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return NewEnvelope(EventUnreadCount, UnreadCountPayload{Count: count}, d.clock()).encode()
}

// MarkRead records the read and syncs every connection of the principal.
func (d *Dispatcher) MarkRead(ctx context.Context, notificationID, principalID string) (notifications.Receipt, error) {
	receipt, err := d.store.MarkRead(ctx, notificationID, principalID)
	if err != nil {
		return notifications.Receipt{}, err
	}
	d.syncConsumption(ctx, EventNotificationRead, receipt, receipt.Consumption.ReadAt)
	return receipt, nil
}

// Dismiss records the dismissal and syncs every connection of the principal.
func (d *Dispatcher) Dismiss(ctx context.Context, notificationID, principalID string) (notifications.Receipt, error) {
	receipt, err := d.store.Dismiss(ctx, notificationID, principalID)
	if err != nil {
		return notifications.Receipt{}, err
	}
	d.syncConsumption(ctx, EventNotificationDismissed, receipt, receipt.Consumption.DismissedAt)
	return receipt, nil
}

// syncConsumption echoes the stored timestamp to every tab. The unread count
// only moves when the call changed state.
func (d *Dispatcher) syncConsumption(ctx context.Context, event string, receipt notifications.Receipt, at *time.Time) {
	connections := d.registry.ConnectionsFor(receipt.PrincipalID)
	if len(connections) == 0 {
		return
	}
	timestamp := d.clock()
	if at != nil {
		timestamp = *at
	}
	frame, err := NewEnvelope(event, ConsumptionPayload{
		NotificationID: receipt.NotificationID,
		PrincipalID:    receipt.PrincipalID,
		Timestamp:      timestamp.UTC(),
	}, d.clock()).encode()
	if err != nil {
		d.logger.Error("failed to encode consumption event", zap.String("event", event), zap.Error(err))
		return
	}
	var report DeliveryReport
	d.fanOut(frame, connections, &report)
	d.metrics.Delivered(event, len(report.Delivered), 0, len(report.Faults))
	if !receipt.Changed {
		return
	}
	if err := d.PushUnreadCount(ctx, receipt.PrincipalID); err != nil {
		d.logger.Warn("unread count push failed", zap.String("principal_id", receipt.PrincipalID), zap.Error(err))
	}
}

// SystemInput describes a platform-wide announcement.
type SystemInput struct {
	Title   string
	Message string
	Type    string
	Action  *notifications.Action
}

// BroadcastSystem pushes system-notification to every live connection,
// bypassing targeting. System notifications are not persisted.
func (d *Dispatcher) BroadcastSystem(_ context.Context, input SystemInput) (DeliveryReport, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return DeliveryReport{}, fmt.Errorf("%w: title is required", notifications.ErrInvalidInput)
	}
	identifier, err := uuid.NewV7()
	if err != nil {
		return DeliveryReport{}, err
	}
	notificationType := strings.ToLower(strings.TrimSpace(input.Type))
	if notificationType == "" {
		notificationType = systemNotificationType
	}
	now := d.clock().UTC()
	notification := notifications.Notification{
		ID:        identifier.String(),
		Title:     title,
		Message:   strings.TrimSpace(input.Message),
		Type:      notificationType,
		Action:    input.Action,
		CreatedAt: now,
	}
	frame, err := NewEnvelope(EventSystemNotification, NotificationPayload{
		Notification: notification,
		Timestamp:    now,
	}, now).encode()
	if err != nil {
		return DeliveryReport{}, err
	}
	report := DeliveryReport{NotificationID: notification.ID}
	d.fanOut(frame, d.registry.Connections(), &report)
	d.metrics.Delivered(EventSystemNotification, len(report.Delivered), 0, len(report.Faults))
	return report, nil
}

// PublishTopicEvent pushes resource-changed to every connection subscribed to topic.
func (d *Dispatcher) PublishTopicEvent(_ context.Context, topic rooms.Room, change ResourceChange) (DeliveryReport, error) {
	if topic.Kind() != rooms.KindTopic {
		return DeliveryReport{}, fmt.Errorf("%w: %q is not a topic room", rooms.ErrInvalidRoom, topic.String())
	}
	if err := topic.Validate(); err != nil {
		return DeliveryReport{}, err
	}
	change.Action = strings.TrimSpace(change.Action)
	if change.Action == "" {
		return DeliveryReport{}, fmt.Errorf("%w: action is required", ErrInvalidEvent)
	}
	frame, err := NewEnvelope(EventResourceChanged, ResourceChangedPayload{
		Topic:          topic.Key(),
		ResourceChange: change,
	}, d.clock()).encode()
	if err != nil {
		return DeliveryReport{}, err
	}
	var report DeliveryReport
	d.fanOut(frame, d.registry.MembersOf(topic), &report)
	d.metrics.Delivered(EventResourceChanged, len(report.Delivered), 0, len(report.Faults))
	return report, nil
}

func (d *Dispatcher) fanOut(frame []byte, connections []*Connection, report *DeliveryReport) {
	for _, conn := range connections {
		delivery := Delivery{ConnectionID: conn.ID(), PrincipalID: conn.Principal().ID}
		if err := conn.Enqueue(frame); err != nil {
			report.Faults = append(report.Faults, DeliveryFault{Delivery: delivery, Code: CodeTransportFault, Err: err})
			d.logger.Warn("delivery fault",
				zap.String("code", CodeTransportFault),
				zap.String("connection_id", delivery.ConnectionID),
				zap.String("principal_id", delivery.PrincipalID),
				zap.Error(err),
			)
			continue
		}
		report.Delivered = append(report.Delivered, delivery)
	}
}
