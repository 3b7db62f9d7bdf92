package store

import "time"

const (
	MembershipPending = "pending"
	MembershipActive  = "active"
	MembershipRemoved = "removed"
)

// Altar is the metadata record a collaborative room is bound to.
type Altar struct {
	ID          string
	RoomID      string
	Title       string
	Description string
	OwnerID     string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Membership struct {
	ID        string
	AltarID   string
	UserID    string
	Role      string // 'owner', 'editor' or 'viewer'
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PublicShare grants non-members access to an altar until ExpiresAt.
type PublicShare struct {
	ID         string
	AltarID    string
	Capability string // 'view' or 'edit'
	CreatedBy  string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Live reports whether the share has not expired at now.
func (s PublicShare) Live(now time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// AltarWithRole is an altar joined with the caller's active membership.
type AltarWithRole struct {
	Altar
	Role string
}
