// Package access decides what a caller may do in a room by combining the
// caller's membership with the altar's public shares.
package access

import (
	"context"
	"time"

	"altar/api/internal/apperr"
	"altar/api/internal/auth"
	"altar/api/internal/rbac"
	"altar/api/internal/store"
)

// Store is the read side of the metadata store the resolver needs.
type Store interface {
	GetAltarByRoomID(ctx context.Context, roomID string) (store.Altar, error)
	LiveShareCapability(ctx context.Context, altarID string, now time.Time) (string, bool, error)
	GetActiveMembership(ctx context.Context, altarID, userID string) (*store.Membership, error)
	CountOtherActiveMemberships(ctx context.Context, altarID, userID string) (int, error)
}

type Decision struct {
	Altar            store.Altar
	Role             rbac.Role
	IsPubliclyShared bool
	// ShareCapability is the best capability among live shares, empty when
	// the altar is not shared.
	ShareCapability rbac.Capability
}

// CanEdit reports whether the caller's sessions may push operations.
func (d Decision) CanEdit() bool {
	return rbac.CanEdit(d.Role, d.ShareCapability)
}

type Resolver struct {
	store Store
	now   func() time.Time
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// Resolve computes the caller's access to the altar bound to roomID. caller
// is nil for anonymous requests. It has no side effects.
func (r *Resolver) Resolve(ctx context.Context, caller *auth.Identity, roomID string) (Decision, error) {
	altar, err := r.store.GetAltarByRoomID(ctx, roomID)
	if err != nil {
		return Decision{}, err
	}

	capability, shared, err := r.store.LiveShareCapability(ctx, altar.ID, r.now())
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{Altar: altar, Role: rbac.RoleNone, IsPubliclyShared: shared}
	if shared {
		decision.ShareCapability, _ = rbac.ParseCapability(capability)
	}

	if caller == nil || caller.Subject == "" {
		if !shared {
			return Decision{}, apperr.PermissionDenied("room %s requires sign-in", roomID)
		}
		return decision, nil
	}

	membership, err := r.store.GetActiveMembership(ctx, altar.ID, caller.Subject)
	if err != nil {
		return Decision{}, err
	}
	if membership == nil {
		if !shared {
			return Decision{}, apperr.PermissionDenied("no access to room %s", roomID)
		}
		return decision, nil
	}
	decision.Role = rbac.Normalize(membership.Role)
	return decision, nil
}

// AuthorizeOwnerMutation allows renames and metadata updates for the owner
// only. Public shares never grant it.
func (r *Resolver) AuthorizeOwnerMutation(ctx context.Context, caller *auth.Identity, roomID string) (Decision, error) {
	if caller == nil || caller.Subject == "" {
		return Decision{}, apperr.PermissionDenied("sign-in required")
	}
	decision, err := r.Resolve(ctx, caller, roomID)
	if err != nil {
		return Decision{}, err
	}
	if decision.Role != rbac.RoleOwner {
		return Decision{}, apperr.PermissionDenied("only the owner may change this altar")
	}
	return decision, nil
}

// AuthorizeDelete additionally requires that the owner is the altar's only
// active member.
func (r *Resolver) AuthorizeDelete(ctx context.Context, caller *auth.Identity, roomID string) (Decision, error) {
	decision, err := r.AuthorizeOwnerMutation(ctx, caller, roomID)
	if err != nil {
		return Decision{}, err
	}
	others, err := r.store.CountOtherActiveMemberships(ctx, decision.Altar.ID, caller.Subject)
	if err != nil {
		return Decision{}, err
	}
	if others > 0 {
		return Decision{}, apperr.Conflict("altar has %d other active members; remove them first", others)
	}
	return decision, nil
}
