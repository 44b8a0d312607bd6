package permission

import "github.com/MrEthical07/authpipe/session"

// Rule is the requirement a route or action places on the current user.
type Rule struct {
	// Roles lists accepted roles. Empty accepts any role.
	Roles []string
	// Permissions lists required permissions. Empty imposes none.
	Permissions []string
	// RequireAll demands every permission instead of any one of them.
	RequireAll bool
}

// HasRole reports whether user holds role.
func HasRole(user *session.User, role string) bool {
	if user == nil || role == "" {
		return false
	}
	return user.Role == role
}

// HasAnyRole reports whether user holds one of roles. An empty list is
// satisfied by any authenticated user.
func HasAnyRole(user *session.User, roles ...string) bool {
	if user == nil {
		return false
	}
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if user.Role == r {
			return true
		}
	}
	return false
}

// HasPermission reports whether user carries permission.
func HasPermission(user *session.User, permission string) bool {
	if user == nil || permission == "" {
		return false
	}
	for _, p := range user.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether user carries at least one of
// permissions. An empty list is satisfied.
func HasAnyPermission(user *session.User, permissions ...string) bool {
	if user == nil {
		return false
	}
	if len(permissions) == 0 {
		return true
	}
	held := index(user)
	for _, p := range permissions {
		if _, ok := held[p]; ok {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether user carries every entry of
// permissions. An empty list is satisfied.
func HasAllPermissions(user *session.User, permissions ...string) bool {
	if user == nil {
		return false
	}
	if len(permissions) == 0 {
		return true
	}
	held := index(user)
	for _, p := range permissions {
		if _, ok := held[p]; !ok {
			return false
		}
	}
	return true
}

// CanAccess evaluates rule against user. A role mismatch denies without
// looking at permissions.
func CanAccess(user *session.User, rule Rule) bool {
	if user == nil {
		return false
	}
	if !HasAnyRole(user, rule.Roles...) {
		return false
	}
	if rule.RequireAll {
		return HasAllPermissions(user, rule.Permissions...)
	}
	return HasAnyPermission(user, rule.Permissions...)
}

func index(user *session.User) map[string]struct{} {
	out := make(map[string]struct{}, len(user.Permissions))
	for _, p := range user.Permissions {
		out[p] = struct{}{}
	}
	return out
}
