package realtime

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/rooms"
)

// Server to client events.
const (
	EventNewNotification       = "new-notification"
	EventNotificationRead      = "notification-read"
	EventNotificationDismissed = "notification-dismissed"
	EventUnreadCount           = "unread-count"
	EventSystemNotification    = "system-notification"
	EventResourceChanged       = "resource-changed"
	EventConnected             = "connected"
	EventRoomJoined            = "room-joined"
	EventRoomLeft              = "room-left"
	EventError                 = "error"
	EventPong                  = "pong"
)

// Client to server events.
const (
	EventMarkRead       = "mark-read"
	EventDismiss        = "dismiss"
	EventGetUnreadCount = "get-unread-count"
	EventJoinRoom       = "join-room"
	EventLeaveRoom      = "leave-room"
	EventPing           = "ping"
)

// Protocol error codes. Store codes are re-exported so clients see one taxonomy.
const (
	CodeAuthFailed             = "AUTH_FAILED"
	CodeForbiddenRoomOperation = "FORBIDDEN_ROOM_OPERATION"
	CodeTransportFault         = "TRANSPORT_FAULT"
	CodeRateLimited            = "RATE_LIMITED"
	CodeNotFound               = notifications.CodeNotFound
	CodeInvalidTarget          = notifications.CodeInvalidTarget
	CodeInvalidRequest         = notifications.CodeInvalidRequest
	CodeStoreUnavailable       = notifications.CodeStoreUnavailable
)

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Event     string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope stamps payload with the UTC time at.
func NewEnvelope(event string, payload any, at time.Time) Envelope {
	return Envelope{Event: event, Payload: payload, Timestamp: at.UTC()}
}

func (e Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

// NotificationPayload carries new-notification and system-notification.
type NotificationPayload struct {
	Notification notifications.Notification `json:"notification"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// ConsumptionPayload carries notification-read and notification-dismissed.
type ConsumptionPayload struct {
	NotificationID string    `json:"notificationId"`
	PrincipalID    string    `json:"principalId"`
	Timestamp      time.Time `json:"timestamp"`
}

// UnreadCountPayload carries unread-count.
type UnreadCountPayload struct {
	Count int64 `json:"count"`
}

// ConnectedPayload is sent once a connection becomes active.
type ConnectedPayload struct {
	ConnectionID string       `json:"connectionId"`
	PrincipalID  string       `json:"principalId"`
	Rooms        []rooms.Room `json:"rooms"`
}

// RoomPayload acknowledges join-room and leave-room.
type RoomPayload struct {
	Room rooms.Room `json:"room"`
}

// ErrorPayload reports a rejected client event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// ResourceChange describes a mutation of a resource listed under a topic feed.
type ResourceChange struct {
	Action     string          `json:"action"`
	ResourceID string          `json:"resourceId"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ResourceChangedPayload carries resource-changed.
type ResourceChangedPayload struct {
	Topic string `json:"topic"`
	ResourceChange
}

type inboundEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type notificationRequest struct {
	NotificationID string `json:"notificationId"`
}

type roomRequest struct {
	Room string `json:"room"`
}

// ErrorCode maps err onto the protocol taxonomy.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrForbiddenRoomOperation):
		return CodeForbiddenRoomOperation
	case errors.Is(err, rooms.ErrInvalidRoom), errors.Is(err, ErrInvalidEvent):
		return CodeInvalidRequest
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrSendBufferFull):
		return CodeTransportFault
	}
	if code := notifications.CodeOf(err); code != "" {
		return code
	}
	return CodeStoreUnavailable
}
