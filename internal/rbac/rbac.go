package rbac

type Role string
type Action string

// RoleNone is a caller admitted only through a public share.
const (
	RoleNone   Role = "none"
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionShare  Action = "share"
)

// Capability is what a public share grants to non-members.
type Capability string

const (
	CapabilityView Capability = "view"
	CapabilityEdit Capability = "edit"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// CanEdit reports whether a session may push document operations.
func CanEdit(role Role, share Capability) bool {
	if Can(role, ActionWrite) {
		return true
	}
	return role == RoleNone && share == CapabilityEdit
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}

// ParseMemberRole accepts only the roles that can be granted by invitation.
func ParseMemberRole(role string) (Role, bool) {
	switch Role(role) {
	case RoleViewer, RoleEditor:
		return Role(role), true
	default:
		return "", false
	}
}

func ParseCapability(value string) (Capability, bool) {
	switch Capability(value) {
	case CapabilityView, CapabilityEdit:
		return Capability(value), true
	default:
		return "", false
	}
}
