// Package domain defines shared domain constants, entities, and errors.
package domain

const (
	// RoleSuperadmin represents the roster owner with the highest privileges.
	RoleSuperadmin = "superadmin"
	// RoleAdmin represents elevated administrators below the superadmin.
	RoleAdmin = "admin"
	// RoleUser represents a standard user with no elevated privileges.
	RoleUser = "user"
)

// Role priorities used to compare privilege tiers. Higher wins.
const (
	RolePrioritySuperadmin = 3
	RolePriorityAdmin      = 2
	RolePriorityUser       = 1
)

// RolePriority maps a role name to its ordered priority. Unknown roles map to
// zero, below every real tier.
func RolePriority(role string) int {
	switch role {
	case RoleSuperadmin:
		return RolePrioritySuperadmin
	case RoleAdmin:
		return RolePriorityAdmin
	case RoleUser:
		return RolePriorityUser
	default:
		return 0
	}
}
