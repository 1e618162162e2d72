package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/notifications"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type receivedEnvelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type stubDirectory struct {
	roles   map[string][]string
	tenants map[string][]string
}

func (d stubDirectory) PrincipalIDsByRole(_ context.Context, role string) ([]string, error) {
	return d.roles[role], nil
}

func (d stubDirectory) PrincipalIDsByTenant(_ context.Context, tenantID string) ([]string, error) {
	return d.tenants[tenantID], nil
}

type harness struct {
	registry   *Registry
	store      *notifications.Store
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, directory PrincipalDirectory) *harness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&notifications.NotificationRecord{}, &notifications.RecipientRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	registry := NewRegistry(RegistryConfig{})
	store, err := notifications.NewStore(notifications.StoreConfig{
		Database: db,
		Resolver: NewResolver(registry, directory),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	dispatcher, err := NewDispatcher(DispatcherConfig{Registry: registry, Store: store})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	return &harness{registry: registry, store: store, dispatcher: dispatcher}
}

func newAuthenticatedConnection(t *testing.T, principalID, role, tenantID string, buffer int) *Connection {
	t.Helper()
	conn, err := NewConnection(buffer, testEpoch)
	if err != nil {
		t.Fatalf("failed to construct connection: %v", err)
	}
	principal, err := auth.NewPrincipal(principalID, role, tenantID)
	if err != nil {
		t.Fatalf("invalid principal: %v", err)
	}
	if err := conn.Authenticate(principal); err != nil {
		t.Fatalf("failed to authenticate connection: %v", err)
	}
	return conn
}

func connect(t *testing.T, registry *Registry, principalID, role, tenantID string) *Connection {
	t.Helper()
	conn := newAuthenticatedConnection(t, principalID, role, tenantID, 32)
	if err := registry.Register(conn); err != nil {
		t.Fatalf("failed to register connection: %v", err)
	}
	return conn
}

// drain returns every frame queued on conn without blocking.
func drain(t *testing.T, conn *Connection) []receivedEnvelope {
	t.Helper()
	var frames []receivedEnvelope
	for {
		select {
		case frame := <-conn.outbound():
			var envelope receivedEnvelope
			if err := json.Unmarshal(frame, &envelope); err != nil {
				t.Fatalf("failed to decode frame %s: %v", frame, err)
			}
			frames = append(frames, envelope)
		default:
			return frames
		}
	}
}

func eventNames(frames []receivedEnvelope) []string {
	names := make([]string, 0, len(frames))
	for _, frame := range frames {
		names = append(names, frame.Event)
	}
	return names
}

func unreadCountOf(t *testing.T, frame receivedEnvelope) int64 {
	t.Helper()
	if frame.Event != EventUnreadCount {
		t.Fatalf("expected %s frame, got %s", EventUnreadCount, frame.Event)
	}
	var payload UnreadCountPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("failed to decode unread count: %v", err)
	}
	return payload.Count
}
