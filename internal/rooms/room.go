package rooms

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the supported broadcast group families.
type Kind string

const (
	// KindUser addresses every connection of a single principal.
	KindUser Kind = "user"
	// KindRole addresses every connection of principals holding a role.
	KindRole Kind = "role"
	// KindTenant addresses every connection of principals in a tenant (museum).
	KindTenant Kind = "tenant"
	// KindTopic addresses connections that explicitly subscribed to a feed.
	KindTopic Kind = "topic"
)

const (
	separator       = ":"
	maxKeyLength    = 190
	topicKeyCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_.:/"
)

var (
	// ErrInvalidRoom indicates a room name that does not parse into a known kind.
	ErrInvalidRoom = errors.New("rooms: invalid room")
)

// Room is a named multicast group. The zero value is not a valid room; build
// rooms through User, Role, Tenant, Topic or Parse.
type Room struct {
	kind Kind
	key  string
}

// User returns the identity room of a principal.
func User(principalID string) Room {
	return Room{kind: KindUser, key: strings.TrimSpace(principalID)}
}

// Role returns the room shared by every principal holding role.
func Role(role string) Room {
	return Room{kind: KindRole, key: strings.ToLower(strings.TrimSpace(role))}
}

// Tenant returns the room shared by every principal of a tenant.
func Tenant(tenantID string) Room {
	return Room{kind: KindTenant, key: strings.TrimSpace(tenantID)}
}

// Topic returns an ad-hoc feed room such as a resource list.
func Topic(name string) Room {
	return Room{kind: KindTopic, key: strings.TrimSpace(name)}
}

// Parse converts the canonical "kind:key" form into a Room.
func Parse(raw string) (Room, error) {
	trimmed := strings.TrimSpace(raw)
	kindPart, key, found := strings.Cut(trimmed, separator)
	if !found {
		return Room{}, fmt.Errorf("%w: %q missing kind prefix", ErrInvalidRoom, raw)
	}
	var room Room
	switch Kind(strings.ToLower(kindPart)) {
	case KindUser:
		room = User(key)
	case KindRole:
		room = Role(key)
	case KindTenant:
		room = Tenant(key)
	case KindTopic:
		room = Topic(key)
	default:
		return Room{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRoom, kindPart)
	}
	if err := room.Validate(); err != nil {
		return Room{}, err
	}
	return room, nil
}

// Validate reports whether the room carries a usable key.
func (r Room) Validate() error {
	switch r.kind {
	case KindUser, KindRole, KindTenant, KindTopic:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRoom, r.kind)
	}
	if r.key == "" {
		return fmt.Errorf("%w: empty %s key", ErrInvalidRoom, r.kind)
	}
	if len(r.key) > maxKeyLength {
		return fmt.Errorf("%w: %s key exceeds %d characters", ErrInvalidRoom, r.kind, maxKeyLength)
	}
	if r.kind == KindTopic && strings.Trim(r.key, topicKeyCharset) != "" {
		return fmt.Errorf("%w: topic %q contains unsupported characters", ErrInvalidRoom, r.key)
	}
	return nil
}

// Kind returns the room family.
func (r Room) Kind() Kind {
	return r.kind
}

// Key returns the principal id, role, tenant id or topic name.
func (r Room) Key() string {
	return r.key
}

// IsZero reports whether the room was never initialised.
func (r Room) IsZero() bool {
	return r.kind == "" && r.key == ""
}

// AutoManaged reports whether membership is owned by the connection registry.
// Only topic rooms may be joined or left on client request.
func (r Room) AutoManaged() bool {
	switch r.kind {
	case KindUser, KindRole, KindTenant:
		return true
	default:
		return false
	}
}

// String renders the canonical "kind:key" form.
func (r Room) String() string {
	if r.IsZero() {
		return ""
	}
	return string(r.kind) + separator + r.key
}

// MarshalText implements encoding.TextMarshaler.
func (r Room) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Room) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ForPrincipal lists the auto-membership rooms of a principal in join order.
func ForPrincipal(principalID, role, tenantID string) []Room {
	result := []Room{User(principalID)}
	if strings.TrimSpace(role) != "" {
		result = append(result, Role(role))
	}
	if strings.TrimSpace(tenantID) != "" {
		result = append(result, Tenant(tenantID))
	}
	return result
}
