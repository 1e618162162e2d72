package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/rooms"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 64 * 1024
	defaultEventsPerSecond = 10
	defaultEventBurst      = 20
	handshakeTimeout       = 10 * time.Second

	closeReasonDisconnected = "client disconnected"
	unknownEventLabel       = "unknown"
)

// RequestAuthenticator verifies the credential carried by the handshake request.
type RequestAuthenticator interface {
	Authenticate(r *http.Request) (auth.Principal, error)
}

// PrincipalToucher records principals seen on the socket.
type PrincipalToucher interface {
	Touch(ctx context.Context, principal auth.Principal) error
}

// HandlerConfig describes the websocket endpoint.
type HandlerConfig struct {
	Registry      *Registry
	Dispatcher    *Dispatcher
	Authenticator RequestAuthenticator
	Directory     PrincipalToucher
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Clock         func() time.Time

	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	EventsPerSecond float64
	EventBurst      int
	CheckOrigin     func(r *http.Request) bool
}

// Handler upgrades HTTP requests into authenticated realtime sessions.
type Handler struct {
	registry      *Registry
	dispatcher    *Dispatcher
	authenticator RequestAuthenticator
	directory     PrincipalToucher
	metrics       *metrics.Metrics
	logger        *zap.Logger
	clock         func() time.Time
	upgrader      websocket.Upgrader

	sendBuffer      int
	writeWait       time.Duration
	pongWait        time.Duration
	pingPeriod      time.Duration
	maxMessageBytes int64
	eventsPerSecond float64
	eventBurst      int
}

// NewHandler constructs the websocket Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	handler := &Handler{
		registry:        cfg.Registry,
		dispatcher:      cfg.Dispatcher,
		authenticator:   cfg.Authenticator,
		directory:       cfg.Directory,
		metrics:         cfg.Metrics,
		logger:          logger,
		clock:           clock,
		sendBuffer:      cfg.SendBuffer,
		writeWait:       cfg.WriteWait,
		pongWait:        cfg.PongWait,
		maxMessageBytes: cfg.MaxMessageBytes,
		eventsPerSecond: cfg.EventsPerSecond,
		eventBurst:      cfg.EventBurst,
	}
	if handler.writeWait <= 0 {
		handler.writeWait = defaultWriteWait
	}
	if handler.pongWait <= 0 {
		handler.pongWait = defaultPongWait
	}
	handler.pingPeriod = (handler.pongWait * 9) / 10
	if handler.maxMessageBytes <= 0 {
		handler.maxMessageBytes = defaultMaxMessageBytes
	}
	if handler.eventsPerSecond <= 0 {
		handler.eventsPerSecond = defaultEventsPerSecond
	}
	if handler.eventBurst <= 0 {
		handler.eventBurst = defaultEventBurst
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: handshakeTimeout,
		CheckOrigin:      cfg.CheckOrigin,
	}
	return handler, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn, err := NewConnection(h.sendBuffer, h.clock())
	if err != nil {
		h.logger.Error("failed to allocate connection", zap.Error(err))
		_ = socket.Close()
		return
	}

	principal, err := h.authenticator.Authenticate(r)
	if err == nil {
		err = conn.Authenticate(principal)
	}
	if err != nil {
		h.rejectHandshake(socket, conn, err)
		return
	}
	if h.directory != nil {
		if err := h.directory.Touch(r.Context(), principal); err != nil {
			h.logger.Warn("principal directory update failed", zap.String("principal_id", principal.ID), zap.Error(err))
		}
	}
	if err := h.registry.Admit(conn, h.welcome(conn)); err != nil {
		h.logger.Warn("connection registration refused", zap.String("principal_id", principal.ID), zap.Error(err))
		conn.Close(closeReasonShutdown)
		h.writeCloseFrame(socket, websocket.CloseGoingAway, closeReasonShutdown)
		_ = socket.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		handler: h,
		conn:    conn,
		socket:  socket,
		limiter: rate.NewLimiter(rate.Limit(h.eventsPerSecond), h.eventBurst),
		logger: h.logger.With(
			zap.String("connection_id", conn.ID()),
			zap.String("principal_id", principal.ID),
		),
	}
	go s.writePump()
	s.greet(ctx)
	s.readPump(ctx)

	h.registry.Unregister(conn)
	conn.Close(closeReasonDisconnected)
	s.logger.Debug("websocket session ended", zap.String("reason", conn.CloseReason()))
}

func (h *Handler) rejectHandshake(socket *websocket.Conn, conn *Connection, err error) {
	reason := "invalid"
	switch {
	case auth.IsExpired(err):
		reason = "expired"
		h.logger.Info("websocket authentication failed", zap.String("reason", reason), zap.Error(err))
	case errors.Is(err, auth.ErrMissingCredential):
		reason = "missing"
		h.logger.Warn("websocket authentication failed", zap.String("reason", reason), zap.Error(err))
	default:
		h.logger.Warn("websocket authentication failed", zap.String("reason", reason), zap.Error(err))
	}
	h.metrics.AuthFailed(reason)
	conn.Close(CodeAuthFailed)

	frame, encodeErr := NewEnvelope(EventError, ErrorPayload{
		Code:    CodeAuthFailed,
		Message: "authentication failed: " + reason,
	}, h.clock()).encode()
	if encodeErr == nil {
		_ = socket.SetWriteDeadline(time.Now().Add(h.writeWait))
		_ = socket.WriteMessage(websocket.TextMessage, frame)
	}
	h.writeCloseFrame(socket, websocket.ClosePolicyViolation, CodeAuthFailed)
	_ = socket.Close()
}

func (h *Handler) writeCloseFrame(socket *websocket.Conn, code int, text string) {
	_ = socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(h.writeWait))
}

type session struct {
	handler *Handler
	conn    *Connection
	socket  *websocket.Conn
	limiter *rate.Limiter
	logger  *zap.Logger
}

// welcome queues connected before the connection becomes visible to dispatches.
func (h *Handler) welcome(conn *Connection) func(joined []rooms.Room) {
	return func(joined []rooms.Room) {
		frame, err := NewEnvelope(EventConnected, ConnectedPayload{
			ConnectionID: conn.ID(),
			PrincipalID:  conn.Principal().ID,
			Rooms:        joined,
		}, h.clock()).encode()
		if err != nil {
			h.logger.Error("failed to encode envelope", zap.String("event", EventConnected), zap.Error(err))
			return
		}
		_ = conn.Enqueue(frame)
	}
}

func (s *session) greet(ctx context.Context) {
	if err := s.handler.dispatcher.SendUnreadCount(ctx, s.conn); err != nil {
		s.logger.Warn("initial unread count failed", zap.Error(err))
	}
}

func (s *session) readPump(ctx context.Context) {
	s.socket.SetReadLimit(s.handler.maxMessageBytes)
	if err := s.socket.SetReadDeadline(time.Now().Add(s.handler.pongWait)); err != nil {
		s.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	s.socket.SetPongHandler(func(string) error {
		return s.socket.SetReadDeadline(time.Now().Add(s.handler.pongWait))
	})

	for {
		_, data, err := s.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		_ = s.socket.SetReadDeadline(time.Now().Add(s.handler.pongWait))
		s.handle(ctx, data)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.handler.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.socket.Close()
	}()

	for {
		select {
		case frame := <-s.conn.outbound():
			if err := s.socket.SetWriteDeadline(time.Now().Add(s.handler.writeWait)); err != nil {
				s.conn.Close(CodeTransportFault)
				return
			}
			if err := s.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				s.conn.Close(CodeTransportFault)
				return
			}
		case <-ticker.C:
			if err := s.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.handler.writeWait)); err != nil {
				s.conn.Close(CodeTransportFault)
				return
			}
		case <-s.conn.Done():
			s.handler.writeCloseFrame(s.socket, closeCode(s.conn.CloseReason()), s.conn.CloseReason())
			return
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case CodeTransportFault:
		return websocket.CloseTryAgainLater
	case closeReasonShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}

func (s *session) handle(ctx context.Context, data []byte) {
	if s.conn.State() != StateActive {
		return
	}
	var inbound inboundEnvelope
	parseErr := json.Unmarshal(data, &inbound)
	label := eventLabel(inbound.Event)
	if !s.limiter.Allow() {
		s.handler.metrics.ClientEvent(label, metrics.ResultLimited)
		s.sendError(inbound.Event, CodeRateLimited, "too many events")
		return
	}
	if parseErr != nil || strings.TrimSpace(inbound.Event) == "" {
		s.handler.metrics.ClientEvent(unknownEventLabel, metrics.ResultRejected)
		s.reject("", fmt.Errorf("%w: malformed envelope", ErrInvalidEvent))
		return
	}
	if err := s.apply(ctx, inbound); err != nil {
		s.handler.metrics.ClientEvent(label, metrics.ResultRejected)
		s.reject(inbound.Event, err)
		return
	}
	s.handler.metrics.ClientEvent(label, metrics.ResultAccepted)
}

func (s *session) apply(ctx context.Context, inbound inboundEnvelope) error {
	principalID := s.conn.Principal().ID
	switch inbound.Event {
	case EventMarkRead:
		notificationID, err := decodeNotificationID(inbound.Payload)
		if err != nil {
			return err
		}
		_, err = s.handler.dispatcher.MarkRead(ctx, notificationID, principalID)
		return err
	case EventDismiss:
		notificationID, err := decodeNotificationID(inbound.Payload)
		if err != nil {
			return err
		}
		_, err = s.handler.dispatcher.Dismiss(ctx, notificationID, principalID)
		return err
	case EventGetUnreadCount:
		return s.handler.dispatcher.SendUnreadCount(ctx, s.conn)
	case EventJoinRoom:
		room, err := decodeRoom(inbound.Payload)
		if err != nil {
			return err
		}
		if err := s.handler.registry.JoinTopic(s.conn, room); err != nil {
			return err
		}
		s.send(EventRoomJoined, RoomPayload{Room: room})
		return nil
	case EventLeaveRoom:
		room, err := decodeRoom(inbound.Payload)
		if err != nil {
			return err
		}
		if err := s.handler.registry.LeaveTopic(s.conn, room); err != nil {
			return err
		}
		s.send(EventRoomLeft, RoomPayload{Room: room})
		return nil
	case EventPing:
		s.send(EventPong, nil)
		return nil
	default:
		return fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, inbound.Event)
	}
}

func (s *session) reject(event string, err error) {
	code := ErrorCode(err)
	message := err.Error()
	if code == CodeStoreUnavailable {
		message = "notification store unavailable"
		s.logger.Warn("client event failed", zap.String("event", event), zap.Error(err))
	} else {
		s.logger.Debug("client event rejected", zap.String("event", event), zap.String("code", code), zap.Error(err))
	}
	s.sendError(event, code, message)
}

func (s *session) sendError(event, code, message string) {
	s.send(EventError, ErrorPayload{Code: code, Message: message, Event: event})
}

func (s *session) send(event string, payload any) {
	frame, err := NewEnvelope(event, payload, s.handler.clock()).encode()
	if err != nil {
		s.logger.Error("failed to encode envelope", zap.String("event", event), zap.Error(err))
		return
	}
	if err := s.conn.Enqueue(frame); err != nil {
		s.logger.Debug("dropping frame for closed connection", zap.String("event", event), zap.Error(err))
	}
}

func decodeNotificationID(payload json.RawMessage) (string, error) {
	var request notificationRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &request); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	notificationID := strings.TrimSpace(request.NotificationID)
	if notificationID == "" {
		return "", fmt.Errorf("%w: notificationId is required", ErrInvalidEvent)
	}
	return notificationID, nil
}

func decodeRoom(payload json.RawMessage) (rooms.Room, error) {
	var request roomRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &request); err != nil {
			return rooms.Room{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	return rooms.Parse(request.Room)
}

func eventLabel(event string) string {
	switch event {
	case EventMarkRead, EventDismiss, EventGetUnreadCount, EventJoinRoom, EventLeaveRoom, EventPing:
		return event
	default:
		return unknownEventLabel
	}
}
