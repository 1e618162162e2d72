package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/rooms"
)

func TestAdmitWelcomesBeforeDispatches(t *testing.T) {
	h := newHarness(t, nil)
	conn := newAuthenticatedConnection(t, "admin-1", "museum-admin", "louvre", 8)

	var welcomed []rooms.Room
	err := h.registry.Admit(conn, func(joined []rooms.Room) {
		welcomed = joined
		if err := conn.Enqueue([]byte(`{"event":"connected"}`)); err != nil {
			t.Errorf("failed to queue welcome: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if len(welcomed) != 3 || welcomed[0] != rooms.Role("museum-admin") {
		t.Fatalf("unexpected welcome rooms %v", welcomed)
	}

	if _, _, err := h.dispatcher.Publish(context.Background(), notifications.CreateInput{
		Title:  "Loan agreement signed",
		Target: notifications.TargetSpec{Rooms: []rooms.Room{rooms.Tenant("louvre")}},
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	names := eventNames(drain(t, conn))
	if len(names) != 3 || names[0] != EventConnected || names[1] != EventNewNotification {
		t.Fatalf("expected connected ahead of dispatched frames, got %v", names)
	}
}

func TestRegisterJoinsIdentityRooms(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	conn := connect(t, registry, "curator-1", "museum-admin", "louvre")

	if conn.State() != StateActive {
		t.Fatalf("expected active connection, got %s", conn.State())
	}
	joined := registry.RoomsOf(conn)
	expected := []rooms.Room{rooms.Role("museum-admin"), rooms.Tenant("louvre"), rooms.User("curator-1")}
	if len(joined) != len(expected) {
		t.Fatalf("expected rooms %v, got %v", expected, joined)
	}
	for index, room := range expected {
		if joined[index] != room {
			t.Fatalf("expected room %s at %d, got %s", room, index, joined[index])
		}
	}
	if !registry.IsOnline("curator-1") || registry.OnlineCount() != 1 || registry.ConnectionCount() != 1 {
		t.Fatalf("expected one online principal with one connection")
	}
}

func TestRegisterWithoutTenantSkipsTenantRoom(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	conn := connect(t, registry, "visitor-1", "", "")

	joined := registry.RoomsOf(conn)
	if len(joined) != 2 || joined[0] != rooms.Role("visitor") || joined[1] != rooms.User("visitor-1") {
		t.Fatalf("unexpected rooms %v", joined)
	}
}

func TestRegisterRequiresAuthentication(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	conn, err := NewConnection(4, testEpoch)
	if err != nil {
		t.Fatalf("failed to construct connection: %v", err)
	}
	if err := registry.Register(conn); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if registry.ConnectionCount() != 0 {
		t.Fatalf("expected no registered connections")
	}
}

func TestMultipleConnectionsPerPrincipal(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	first := connect(t, registry, "visitor-1", "visitor", "")
	second := connect(t, registry, "visitor-1", "visitor", "")

	if got := len(registry.ConnectionsFor("visitor-1")); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
	if registry.OnlineCount() != 1 {
		t.Fatalf("expected a single online principal, got %d", registry.OnlineCount())
	}

	registry.Unregister(first)
	if !registry.IsOnline("visitor-1") {
		t.Fatalf("expected principal to stay online with one tab open")
	}
	registry.Unregister(second)
	if registry.IsOnline("visitor-1") || registry.OnlineCount() != 0 {
		t.Fatalf("expected principal entry to be pruned")
	}
	if members := registry.MembersOf(rooms.User("visitor-1")); len(members) != 0 {
		t.Fatalf("expected identity room to be emptied, got %d members", len(members))
	}
	registry.Unregister(second)
}

func TestJoinAndLeaveAreIdempotent(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	conn := connect(t, registry, "visitor-1", "visitor", "")
	topic := rooms.Topic("tours:louvre")

	if err := registry.Join(conn, topic); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	once := registry.RoomsOf(conn)
	if err := registry.Join(conn, topic); err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	twice := registry.RoomsOf(conn)
	if len(once) != len(twice) || len(registry.MembersOf(topic)) != 1 {
		t.Fatalf("expected repeated join to be a no-op, got %v then %v", once, twice)
	}

	if err := registry.Leave(conn, rooms.Topic("exhibitions")); err != nil {
		t.Fatalf("leave of non-member failed: %v", err)
	}
	if len(registry.RoomsOf(conn)) != len(twice) {
		t.Fatalf("expected leave of non-member to be a no-op")
	}

	if err := registry.Leave(conn, topic); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if len(registry.MembersOf(topic)) != 0 {
		t.Fatalf("expected topic to be empty after leave")
	}
}

func TestClientCannotLeaveIdentityRooms(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	conn := connect(t, registry, "curator-1", "museum-admin", "louvre")
	before := registry.RoomsOf(conn)

	for _, room := range []rooms.Room{rooms.User("curator-1"), rooms.Role("museum-admin"), rooms.Tenant("louvre")} {
		if err := registry.LeaveTopic(conn, room); !errors.Is(err, ErrForbiddenRoomOperation) {
			t.Fatalf("expected forbidden leave for %s, got %v", room, err)
		}
	}
	if err := registry.JoinTopic(conn, rooms.User("someone-else")); !errors.Is(err, ErrForbiddenRoomOperation) {
		t.Fatalf("expected forbidden join of another identity room, got %v", err)
	}

	after := registry.RoomsOf(conn)
	if len(before) != len(after) {
		t.Fatalf("expected membership unchanged, got %v then %v", before, after)
	}
	if len(registry.MembersOf(rooms.User("someone-else"))) != 0 {
		t.Fatalf("expected no eavesdropping membership")
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	conn := connect(t, registry, "visitor-1", "visitor", "")

	registry.Shutdown()

	select {
	case <-conn.Done():
	default:
		t.Fatalf("expected connection to be closed")
	}
	if conn.CloseReason() != closeReasonShutdown {
		t.Fatalf("unexpected close reason %q", conn.CloseReason())
	}
	if registry.ConnectionCount() != 0 || registry.OnlineCount() != 0 {
		t.Fatalf("expected empty registry after shutdown")
	}
	late := newAuthenticatedConnection(t, "visitor-2", "visitor", "", 4)
	if err := registry.Register(late); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	topic := rooms.Topic("tours")
	var wg sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for iteration := 0; iteration < 50; iteration++ {
				conn, err := NewConnection(4, testEpoch)
				if err != nil {
					t.Errorf("connection failed: %v", err)
					return
				}
				principal := auth.Principal{ID: fmt.Sprintf("visitor-%d", worker%4), Role: auth.RoleVisitor}
				if err := conn.Authenticate(principal); err != nil {
					t.Errorf("authenticate failed: %v", err)
					return
				}
				if err := registry.Register(conn); err != nil {
					t.Errorf("register failed: %v", err)
					return
				}
				_ = registry.Join(conn, topic)
				_ = registry.MembersOf(topic)
				_ = registry.ConnectionsFor(conn.Principal().ID)
				registry.Unregister(conn)
			}
		}(worker)
	}
	wg.Wait()

	if registry.ConnectionCount() != 0 || registry.OnlineCount() != 0 {
		t.Fatalf("expected empty registry, got %d connections", registry.ConnectionCount())
	}
	if len(registry.MembersOf(topic)) != 0 {
		t.Fatalf("expected topic room to be pruned")
	}
}

func TestEnqueueOverflowClosesConnection(t *testing.T) {
	conn := newAuthenticatedConnection(t, "visitor-1", "visitor", "", 1)
	if err := conn.Enqueue([]byte(`{}`)); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := conn.Enqueue([]byte(`{}`)); !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("expected ErrSendBufferFull, got %v", err)
	}
	if conn.State() != StateClosed || conn.CloseReason() != CodeTransportFault {
		t.Fatalf("expected closed connection with transport fault, got %s/%q", conn.State(), conn.CloseReason())
	}
	if err := conn.Enqueue([]byte(`{}`)); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
