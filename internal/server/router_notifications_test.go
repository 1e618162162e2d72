package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/database"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type tokenTable map[string]auth.Principal

func (t tokenTable) Authenticate(r *http.Request) (auth.Principal, error) {
	token := auth.BearerToken(r)
	if token == "" {
		return auth.Principal{}, auth.ErrMissingCredential
	}
	if token == "expired" {
		return auth.Principal{}, jwt.ErrTokenExpired
	}
	principal, ok := t[token]
	if !ok {
		return auth.Principal{}, fmt.Errorf("unknown token %q", token)
	}
	return principal, nil
}

var testPrincipals = tokenTable{
	"visitor-token":     {ID: "visitor-1", Role: auth.RoleVisitor, TenantID: "louvre"},
	"other-token":       {ID: "visitor-2", Role: auth.RoleVisitor, TenantID: "prado"},
	"admin-token":       {ID: "admin-1", Role: auth.RoleMuseumAdmin, TenantID: "louvre"},
	"super-admin-token": {ID: "root-1", Role: auth.RoleSuperAdmin},
}

type apiHarness struct {
	server   *httptest.Server
	registry *realtime.Registry
	store    *notifications.Store
	metrics  *metrics.Metrics
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	collector := metrics.New()
	registry := realtime.NewRegistry(realtime.RegistryConfig{Metrics: collector})
	store, err := notifications.NewStore(notifications.StoreConfig{
		Database: db,
		Resolver: realtime.NewResolver(registry, directory),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{
		Registry: registry,
		Store:    store,
		Metrics:  collector,
	})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	socketHandler, err := realtime.NewHandler(realtime.HandlerConfig{
		Registry:      registry,
		Dispatcher:    dispatcher,
		Authenticator: testPrincipals,
		Directory:     directory,
		Metrics:       collector,
	})
	if err != nil {
		t.Fatalf("failed to construct websocket handler: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: testPrincipals,
		Directory:     directory,
		Store:         store,
		Dispatcher:    dispatcher,
		Registry:      registry,
		Realtime:      socketHandler,
		Metrics:       collector,
	})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(registry.Shutdown)
	return &apiHarness{server: server, registry: registry, store: store, metrics: collector}
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := h.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return response, buffer.Bytes()
}

func (h *apiHarness) open(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	client, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	if event := readFrame(t, client); event.Event != realtime.EventConnected {
		t.Fatalf("expected connected, got %s", event.Event)
	}
	if event := readFrame(t, client); event.Event != realtime.EventUnreadCount {
		t.Fatalf("expected unread-count, got %s", event.Event)
	}
	return client
}

type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, client *websocket.Conn) frame {
	t.Helper()
	if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}
	var received frame
	if err := client.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return received
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("failed to decode %s: %v", raw, err)
	}
	return value
}

func TestNotificationLifecycleOverHTTPAndSocket(t *testing.T) {
	h := newAPIHarness(t)
	visitor := h.open(t, "visitor-token")

	response, body := h.do(t, http.MethodPost, "/notifications", "admin-token", map[string]any{
		"title":   "Rental approved",
		"message": "Your gallery booking is confirmed",
		"type":    "rental",
		"target":  map[string]any{"rooms": []string{"tenant:louvre"}},
	})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", response.StatusCode, body)
	}
	created := decode[createNotificationResponse](t, body)
	if created.Recipients != 2 {
		t.Fatalf("expected visitor and admin as recipients, got %d", created.Recipients)
	}
	if len(created.Delivery.Delivered) != 1 || len(created.Delivery.Deferred) != 1 {
		t.Fatalf("unexpected delivery report %+v", created.Delivery)
	}

	pushed := readFrame(t, visitor)
	if pushed.Event != realtime.EventNewNotification {
		t.Fatalf("expected new-notification, got %s", pushed.Event)
	}
	count := readFrame(t, visitor)
	if got := decode[realtime.UnreadCountPayload](t, count.Payload).Count; got != 1 {
		t.Fatalf("expected unread count 1, got %d", got)
	}

	response, body = h.do(t, http.MethodGet, "/notifications", "visitor-token", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.StatusCode, body)
	}
	listed := decode[notifications.ListResult](t, body)
	if listed.Total != 1 || listed.Items[0].ID != created.Notification.ID || listed.Items[0].Read() {
		t.Fatalf("unexpected listing %+v", listed)
	}

	path := "/notifications/" + created.Notification.ID + "/read"
	response, body = h.do(t, http.MethodPost, path, "visitor-token", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.StatusCode, body)
	}
	receipt := decode[receiptPayload](t, body)
	if !receipt.Changed || receipt.ReadAt == nil {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if event := readFrame(t, visitor); event.Event != realtime.EventNotificationRead {
		t.Fatalf("expected notification-read, got %s", event.Event)
	}
	if got := decode[realtime.UnreadCountPayload](t, readFrame(t, visitor).Payload).Count; got != 0 {
		t.Fatalf("expected unread count 0, got %d", got)
	}

	response, body = h.do(t, http.MethodGet, "/notifications/unread-count", "visitor-token", nil)
	if response.StatusCode != http.StatusOK || decode[realtime.UnreadCountPayload](t, body).Count != 0 {
		t.Fatalf("unexpected unread count response %d: %s", response.StatusCode, body)
	}

	response, _ = h.do(t, http.MethodPost, "/notifications/"+created.Notification.ID+"/dismiss", "other-token", nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a non-recipient, got %d", response.StatusCode)
	}
}

func TestCreateNotificationAuthorization(t *testing.T) {
	h := newAPIHarness(t)

	cases := []struct {
		name   string
		token  string
		target map[string]any
		status int
	}{
		{name: "visitor", token: "visitor-token", target: map[string]any{"principalIds": []string{"visitor-2"}}, status: http.StatusForbidden},
		{name: "museum admin role room", token: "admin-token", target: map[string]any{"rooms": []string{"role:visitor"}}, status: http.StatusForbidden},
		{name: "museum admin other tenant", token: "admin-token", target: map[string]any{"rooms": []string{"tenant:prado"}}, status: http.StatusForbidden},
		{name: "super admin role room", token: "super-admin-token", target: map[string]any{"rooms": []string{"role:visitor"}}, status: http.StatusCreated},
		{name: "empty resolution", token: "admin-token", target: map[string]any{"rooms": []string{"topic:empty-hall"}}, status: http.StatusUnprocessableEntity},
		{name: "malformed room", token: "admin-token", target: map[string]any{"rooms": []string{"gallery"}}, status: http.StatusBadRequest},
	}

	// Seed a visitor so the role room resolves through the directory.
	h.open(t, "other-token")

	for _, testCase := range cases {
		response, body := h.do(t, http.MethodPost, "/notifications", testCase.token, map[string]any{
			"title":  "Announcement",
			"target": testCase.target,
		})
		if response.StatusCode != testCase.status {
			t.Fatalf("%s: expected %d, got %d: %s", testCase.name, testCase.status, response.StatusCode, body)
		}
	}
}

func TestSystemNotificationRequiresSuperAdmin(t *testing.T) {
	h := newAPIHarness(t)
	visitor := h.open(t, "visitor-token")
	other := h.open(t, "other-token")

	response, _ := h.do(t, http.MethodPost, "/notifications/system", "admin-token", map[string]any{"title": "Maintenance"})
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for museum admin, got %d", response.StatusCode)
	}

	response, body := h.do(t, http.MethodPost, "/notifications/system", "super-admin-token", map[string]any{
		"title":   "Maintenance",
		"message": "The platform restarts at midnight",
	})
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", response.StatusCode, body)
	}
	report := decode[realtime.DeliveryReport](t, body)
	if len(report.Delivered) != 2 {
		t.Fatalf("expected broadcast to both sockets, got %+v", report)
	}
	for _, client := range []*websocket.Conn{visitor, other} {
		if event := readFrame(t, client); event.Event != realtime.EventSystemNotification {
			t.Fatalf("expected system-notification, got %s", event.Event)
		}
	}
}

func TestTopicEventReachesSubscribers(t *testing.T) {
	h := newAPIHarness(t)
	visitor := h.open(t, "visitor-token")

	if err := visitor.WriteJSON(map[string]any{
		"event":   realtime.EventJoinRoom,
		"payload": map[string]string{"room": "topic:artworks"},
	}); err != nil {
		t.Fatalf("failed to join topic: %v", err)
	}
	if event := readFrame(t, visitor); event.Event != realtime.EventRoomJoined {
		t.Fatalf("expected room-joined, got %s", event.Event)
	}

	response, body := h.do(t, http.MethodPost, "/topics/artworks/events", "admin-token", map[string]any{
		"action":     "updated",
		"resourceId": "artwork-7",
		"data":       map[string]any{"title": "Water Lilies"},
	})
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", response.StatusCode, body)
	}
	event := readFrame(t, visitor)
	if event.Event != realtime.EventResourceChanged {
		t.Fatalf("expected resource-changed, got %s", event.Event)
	}
	payload := decode[realtime.ResourceChangedPayload](t, event.Payload)
	if payload.Topic != "artworks" || payload.ResourceID != "artwork-7" || payload.Action != "updated" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	response, _ = h.do(t, http.MethodPost, "/topics/artworks/events", "admin-token", map[string]any{"resourceId": "artwork-7"})
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without an action, got %d", response.StatusCode)
	}
	response, _ = h.do(t, http.MethodPost, "/topics/artworks/events", "visitor-token", map[string]any{"action": "updated"})
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for visitor, got %d", response.StatusCode)
	}
}

func TestProtectedRoutesRequireCredentials(t *testing.T) {
	h := newAPIHarness(t)

	for _, token := range []string{"", "expired", "forged"} {
		response, _ := h.do(t, http.MethodGet, "/notifications", token, nil)
		if response.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, response.StatusCode)
		}
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	h.open(t, "visitor-token")

	response, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	health := decode[map[string]any](t, body)
	if health["status"] != "ok" || health["online"] != float64(1) {
		t.Fatalf("unexpected health payload %v", health)
	}

	response, body = h.do(t, http.MethodGet, "/metrics", "", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if !strings.Contains(string(body), "heritage_realtime_connections 1") {
		t.Fatalf("expected connection gauge in metrics output")
	}
}
