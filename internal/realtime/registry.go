package realtime

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/rooms"
	"go.uber.org/zap"
)

const closeReasonShutdown = "server shutdown"

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Registry tracks live connections per principal together with their room
// memberships. One lock guards both so every call observes a consistent view.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	principals  map[string]map[string]*Connection
	members     map[rooms.Room]map[string]*Connection
	memberships map[string]map[rooms.Room]struct{}
	closed      bool

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		principals:  make(map[string]map[string]*Connection),
		members:     make(map[rooms.Room]map[string]*Connection),
		memberships: make(map[string]map[rooms.Room]struct{}),
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// Register adds an authenticated connection, joins its identity rooms and
// activates it. Registering the same connection twice is a no-op.
func (r *Registry) Register(conn *Connection) error {
	return r.Admit(conn, nil)
}

// Admit registers conn like Register and calls welcome with the joined rooms
// before any other caller can observe the connection. welcome must not call
// back into the registry.
func (r *Registry) Admit(conn *Connection, welcome func(joined []rooms.Room)) error {
	if conn == nil {
		return errNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.connections[conn.ID()]; exists {
		return nil
	}
	if !conn.activate() {
		return ErrNotAuthenticated
	}

	principal := conn.Principal()
	r.connections[conn.ID()] = conn
	if _, ok := r.principals[principal.ID]; !ok {
		r.principals[principal.ID] = make(map[string]*Connection)
	}
	r.principals[principal.ID][conn.ID()] = conn
	for _, room := range rooms.ForPrincipal(principal.ID, principal.Role, principal.TenantID) {
		r.joinLocked(conn, room)
	}
	if welcome != nil {
		welcome(r.roomsOfLocked(conn))
	}
	r.recordPresenceLocked()
	r.logger.Debug("connection registered",
		zap.String("connection_id", conn.ID()),
		zap.String("principal_id", principal.ID),
	)
	return nil
}

// Unregister drops the connection and all of its memberships. Unknown
// connections are treated as already gone.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[conn.ID()]; !exists {
		return
	}
	for room := range r.memberships[conn.ID()] {
		r.leaveLocked(conn, room)
	}
	delete(r.memberships, conn.ID())
	delete(r.connections, conn.ID())

	principalID := conn.Principal().ID
	if set := r.principals[principalID]; set != nil {
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(r.principals, principalID)
		}
	}
	r.recordPresenceLocked()
	r.logger.Debug("connection unregistered",
		zap.String("connection_id", conn.ID()),
		zap.String("principal_id", principalID),
	)
}

// ConnectionsFor returns a snapshot of the principal's live connections, oldest first.
func (r *Registry) ConnectionsFor(principalID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedConnections(r.principals[principalID])
}

func (r *Registry) IsOnline(principalID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.principals[principalID]) > 0
}

// OnlineCount returns the number of distinct principals with a live connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.principals)
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Connections returns a snapshot of every live connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedConnections(r.connections)
}

// Join adds conn to room. Joining twice, or joining with a connection that is
// no longer registered, is a no-op.
func (r *Registry) Join(conn *Connection, room rooms.Room) error {
	if conn == nil {
		return errNilConnection
	}
	if err := room.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[conn.ID()]; !exists {
		return nil
	}
	r.joinLocked(conn, room)
	return nil
}

// Leave removes conn from room. Leaving a room that was never joined is a no-op.
func (r *Registry) Leave(conn *Connection, room rooms.Room) error {
	if conn == nil {
		return errNilConnection
	}
	if err := room.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conn, room)
	return nil
}

// JoinTopic is the client-facing join; only topic rooms are accepted.
func (r *Registry) JoinTopic(conn *Connection, room rooms.Room) error {
	if room.AutoManaged() {
		return ErrForbiddenRoomOperation
	}
	return r.Join(conn, room)
}

// LeaveTopic is the client-facing leave; identity rooms cannot be left.
func (r *Registry) LeaveTopic(conn *Connection, room rooms.Room) error {
	if room.AutoManaged() {
		return ErrForbiddenRoomOperation
	}
	return r.Leave(conn, room)
}

// MembersOf returns a snapshot of the connections in room.
func (r *Registry) MembersOf(room rooms.Room) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedConnections(r.members[room])
}

// RoomsOf lists the rooms conn belongs to in canonical string order.
func (r *Registry) RoomsOf(conn *Connection) []rooms.Room {
	if conn == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomsOfLocked(conn)
}

func (r *Registry) roomsOfLocked(conn *Connection) []rooms.Room {
	joined := r.memberships[conn.ID()]
	result := make([]rooms.Room, 0, len(joined))
	for room := range joined {
		result = append(result, room)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return result
}

// Shutdown closes every connection and empties the registry. Later Register
// calls fail with ErrRegistryClosed.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, conn := range r.connections {
		conn.Close(closeReasonShutdown)
	}
	r.connections = make(map[string]*Connection)
	r.principals = make(map[string]map[string]*Connection)
	r.members = make(map[rooms.Room]map[string]*Connection)
	r.memberships = make(map[string]map[rooms.Room]struct{})
	r.recordPresenceLocked()
}

func (r *Registry) joinLocked(conn *Connection, room rooms.Room) {
	if _, ok := r.members[room]; !ok {
		r.members[room] = make(map[string]*Connection)
	}
	r.members[room][conn.ID()] = conn
	if _, ok := r.memberships[conn.ID()]; !ok {
		r.memberships[conn.ID()] = make(map[rooms.Room]struct{})
	}
	r.memberships[conn.ID()][room] = struct{}{}
}

func (r *Registry) leaveLocked(conn *Connection, room rooms.Room) {
	if set := r.members[room]; set != nil {
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(r.members, room)
		}
	}
	if joined := r.memberships[conn.ID()]; joined != nil {
		delete(joined, room)
	}
}

func (r *Registry) recordPresenceLocked() {
	r.metrics.SetPresence(len(r.principals), len(r.connections))
}

func sortedConnections(set map[string]*Connection) []*Connection {
	if len(set) == 0 {
		return nil
	}
	result := make([]*Connection, 0, len(set))
	for _, conn := range set {
		result = append(result, conn)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt().Equal(result[j].CreatedAt()) {
			return result[i].ID() < result[j].ID()
		}
		return result[i].CreatedAt().Before(result[j].CreatedAt())
	})
	return result
}
