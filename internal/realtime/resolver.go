package realtime

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/rooms"
)

// PrincipalDirectory lists known principals, online or not.
type PrincipalDirectory interface {
	PrincipalIDsByRole(ctx context.Context, role string) ([]string, error)
	PrincipalIDsByTenant(ctx context.Context, tenantID string) ([]string, error)
}

// Resolver expands rooms into principal ids. Role and tenant rooms combine the
// directory with live members so offline principals are still addressed; topic
// rooms only exist while connections subscribe to them.
type Resolver struct {
	registry  *Registry
	directory PrincipalDirectory
}

// NewResolver constructs a Resolver. directory may be nil.
func NewResolver(registry *Registry, directory PrincipalDirectory) *Resolver {
	return &Resolver{registry: registry, directory: directory}
}

func (r *Resolver) ResolveRoom(ctx context.Context, room rooms.Room) ([]string, error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	var known []string
	switch room.Kind() {
	case rooms.KindUser:
		return []string{room.Key()}, nil
	case rooms.KindRole:
		if r.directory != nil {
			ids, err := r.directory.PrincipalIDsByRole(ctx, room.Key())
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", room, err)
			}
			known = ids
		}
	case rooms.KindTenant:
		if r.directory != nil {
			ids, err := r.directory.PrincipalIDsByTenant(ctx, room.Key())
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", room, err)
			}
			known = ids
		}
	case rooms.KindTopic:
	}
	return mergePrincipalIDs(known, r.livePrincipals(room)), nil
}

func (r *Resolver) livePrincipals(room rooms.Room) []string {
	if r.registry == nil {
		return nil
	}
	members := r.registry.MembersOf(room)
	ids := make([]string, 0, len(members))
	for _, conn := range members {
		ids = append(ids, conn.Principal().ID)
	}
	return ids
}

func mergePrincipalIDs(groups ...[]string) []string {
	seen := make(map[string]struct{})
	var merged []string
	for _, group := range groups {
		for _, id := range group {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	return merged
}
