package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "heritage_principal"

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingStore         = errors.New("notification store dependency required")
	errMissingDispatcher    = errors.New("dispatcher dependency required")
	errMissingRealtime      = errors.New("realtime handler dependency required")
	errForbiddenTarget      = errors.New("museum admins may only target their own museum")
)

type RequestAuthenticator interface {
	Authenticate(r *http.Request) (auth.Principal, error)
}

type PrincipalToucher interface {
	Touch(ctx context.Context, principal auth.Principal) error
}

type NotificationReader interface {
	ListFor(ctx context.Context, principalID string, opts notifications.ListOptions) (notifications.ListResult, error)
	UnreadCount(ctx context.Context, principalID string) (int64, error)
}

type Dependencies struct {
	Authenticator  RequestAuthenticator
	Directory      PrincipalToucher
	Store          NotificationReader
	Dispatcher     *realtime.Dispatcher
	Registry       *realtime.Registry
	Realtime       http.Handler
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		directory:     deps.Directory,
		store:         deps.Store,
		dispatcher:    deps.Dispatcher,
		registry:      deps.Registry,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	router.GET("/ws", gin.WrapH(deps.Realtime))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread-count", handler.handleUnreadCount)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.POST("/notifications/:id/dismiss", handler.handleDismiss)
	protected.POST("/notifications", handler.handleCreateNotification)
	protected.POST("/notifications/system", handler.handleSystemNotification)
	protected.POST("/topics/:name/events", handler.handleTopicEvent)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

// OriginChecker mirrors the CORS policy for websocket handshakes.
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	if allowsAnyOrigin(allowedOrigins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSuffix(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.TrimSuffix(origin, "/")]
		return ok
	}
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	authenticator RequestAuthenticator
	directory     PrincipalToucher
	store         NotificationReader
	dispatcher    *realtime.Dispatcher
	registry      *realtime.Registry
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := gin.H{"status": "ok"}
	if h.registry != nil {
		response["connections"] = h.registry.ConnectionCount()
		response["online"] = h.registry.OnlineCount()
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	principal := principalFrom(c)
	opts := notifications.ListOptions{
		Page:             queryInt(c, "page"),
		PageSize:         queryInt(c, "page_size"),
		IncludeExpired:   queryBool(c, "include_expired"),
		IncludeDismissed: queryBool(c, "include_dismissed"),
	}
	result, err := h.store.ListFor(c.Request.Context(), principal.ID, opts)
	if err != nil {
		h.respondError(c, "list notifications", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	principal := principalFrom(c)
	count, err := h.store.UnreadCount(c.Request.Context(), principal.ID)
	if err != nil {
		h.respondError(c, "unread count", err)
		return
	}
	c.JSON(http.StatusOK, realtime.UnreadCountPayload{Count: count})
}

type receiptPayload struct {
	NotificationID string     `json:"notificationId"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	DismissedAt    *time.Time `json:"dismissedAt,omitempty"`
	Changed        bool       `json:"changed"`
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	principal := principalFrom(c)
	receipt, err := h.dispatcher.MarkRead(c.Request.Context(), c.Param("id"), principal.ID)
	if err != nil {
		h.respondError(c, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, newReceiptPayload(receipt))
}

func (h *httpHandler) handleDismiss(c *gin.Context) {
	principal := principalFrom(c)
	receipt, err := h.dispatcher.Dismiss(c.Request.Context(), c.Param("id"), principal.ID)
	if err != nil {
		h.respondError(c, "dismiss", err)
		return
	}
	c.JSON(http.StatusOK, newReceiptPayload(receipt))
}

func newReceiptPayload(receipt notifications.Receipt) receiptPayload {
	return receiptPayload{
		NotificationID: receipt.NotificationID,
		ReadAt:         receipt.Consumption.ReadAt,
		DismissedAt:    receipt.Consumption.DismissedAt,
		Changed:        receipt.Changed,
	}
}

type createNotificationPayload struct {
	Title     string                   `json:"title"`
	Message   string                   `json:"message"`
	Type      string                   `json:"type"`
	Target    notifications.TargetSpec `json:"target"`
	Action    *notifications.Action    `json:"action"`
	ExpiresAt *time.Time               `json:"expiresAt"`
}

type createNotificationResponse struct {
	Notification notifications.Notification `json:"notification"`
	Recipients   int                        `json:"recipients"`
	Delivery     realtime.DeliveryReport    `json:"delivery"`
}

func (h *httpHandler) handleCreateNotification(c *gin.Context) {
	principal := principalFrom(c)
	if !principal.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request createNotificationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := authorizeTarget(principal, request.Target); err != nil {
		h.logger.Info("notification target rejected", zap.String("principal_id", principal.ID), zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden_target"})
		return
	}

	notification, report, err := h.dispatcher.Publish(c.Request.Context(), notifications.CreateInput{
		Title:     request.Title,
		Message:   request.Message,
		Type:      request.Type,
		Target:    request.Target,
		Action:    request.Action,
		ExpiresAt: request.ExpiresAt,
	})
	if err != nil {
		h.respondError(c, "create notification", err)
		return
	}
	c.JSON(http.StatusCreated, createNotificationResponse{
		Notification: notification,
		Recipients:   len(notification.Recipients),
		Delivery:     report,
	})
}

// authorizeTarget keeps museum admins inside their tenant: no role rooms and
// no other museum's tenant room.
func authorizeTarget(principal auth.Principal, target notifications.TargetSpec) error {
	if principal.IsSuperAdmin() {
		return nil
	}
	for _, room := range target.Rooms {
		switch room.Kind() {
		case rooms.KindRole:
			return errForbiddenTarget
		case rooms.KindTenant:
			if principal.TenantID == "" || room.Key() != principal.TenantID {
				return errForbiddenTarget
			}
		}
	}
	return nil
}

type systemNotificationPayload struct {
	Title   string                `json:"title"`
	Message string                `json:"message"`
	Type    string                `json:"type"`
	Action  *notifications.Action `json:"action"`
}

func (h *httpHandler) handleSystemNotification(c *gin.Context) {
	principal := principalFrom(c)
	if !principal.IsSuperAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request systemNotificationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	report, err := h.dispatcher.BroadcastSystem(c.Request.Context(), realtime.SystemInput{
		Title:   request.Title,
		Message: request.Message,
		Type:    request.Type,
		Action:  request.Action,
	})
	if err != nil {
		h.respondError(c, "system notification", err)
		return
	}
	c.JSON(http.StatusAccepted, report)
}

func (h *httpHandler) handleTopicEvent(c *gin.Context) {
	principal := principalFrom(c)
	if !principal.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var change realtime.ResourceChange
	if err := c.ShouldBindJSON(&change); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	report, err := h.dispatcher.PublishTopicEvent(c.Request.Context(), rooms.Topic(c.Param("name")), change)
	if err != nil {
		h.respondError(c, "topic event", err)
		return
	}
	c.JSON(http.StatusAccepted, report)
}

func (h *httpHandler) respondError(c *gin.Context, action string, err error) {
	code := realtime.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case realtime.CodeNotFound:
		status = http.StatusNotFound
	case realtime.CodeInvalidRequest:
		status = http.StatusBadRequest
	case realtime.CodeInvalidTarget:
		status = http.StatusUnprocessableEntity
	case realtime.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
		h.logger.Error("request failed", zap.String("action", action), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": strings.ToLower(code)})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := h.authenticator.Authenticate(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingCredential) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if auth.IsExpired(err) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.directory != nil {
		if err := h.directory.Touch(c.Request.Context(), principal); err != nil {
			h.logger.Warn("principal directory update failed", zap.String("principal_id", principal.ID), zap.Error(err))
		}
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) auth.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}
	}
	principal, _ := value.(auth.Principal)
	return principal
}

func queryInt(c *gin.Context, name string) int {
	value, err := strconv.Atoi(strings.TrimSpace(c.Query(name)))
	if err != nil {
		return 0
	}
	return value
}

func queryBool(c *gin.Context, name string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(c.Query(name)))
	return err == nil && value
}
