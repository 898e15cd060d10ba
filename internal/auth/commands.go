// Package auth gates every inbound command before dispatch: role check, rate
// check, then command-specific structural checks, in that order.
package auth

import (
	"strings"

	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/ratelimit"
)

// Chat context values carried on a Request.
const (
	ChatPrivate    = "private"
	ChatGroup      = "group"
	ChatSupergroup = "supergroup"
)

// Spec declares the authorization profile of one command.
type Spec struct {
	Name    string
	MinRole string
	// Class selects the rate ceiling; empty means exempt from rate limiting.
	Class ratelimit.Class
	// PrivateOnly restricts the command to one-to-one conversations.
	PrivateOnly bool
	// GroupOnly restricts the command to group chats.
	GroupOnly bool
	// AllowList additionally requires the private-search allow-list entry.
	// This axis is orthogonal to role.
	AllowList bool
	// NeedsDocument requires an attached document; inline bytes are rejected.
	NeedsDocument bool
	// Mutating marks privileged commands whose denials are audited.
	Mutating bool
	// Help is the usage line shown by /help to roles that may run the command.
	Help string
}

// specs lists every command in /help display order.
var specs = []Spec{
	{Name: "help", MinRole: domain.RoleUser, Help: "/help - this message"},
	{Name: "start", MinRole: domain.RoleUser, Help: "/start - introduction"},
	{
		Name:        "object_search",
		MinRole:     domain.RoleUser,
		Class:       ratelimit.ClassSearch,
		PrivateOnly: true,
		AllowList:   true,
		Help:        "/object_search <text> - find objects (private chat)",
	},
	{
		Name:     "materials",
		MinRole:  domain.RoleUser,
		Class:    ratelimit.ClassMaterials,
		Mutating: true,
		Help:     "/materials <one position per line> - mail a materials request",
	},
	{Name: "object_list", MinRole: domain.RoleAdmin, Help: "/object_list - list objects"},
	{
		Name:     "object_add",
		MinRole:  domain.RoleAdmin,
		Class:    ratelimit.ClassMutation,
		Mutating: true,
		Help:     "/object_add <key=value ...> - create an object",
	},
	{
		Name:     "object_del",
		MinRole:  domain.RoleAdmin,
		Class:    ratelimit.ClassMutation,
		Mutating: true,
		Help:     "/object_del <object_id> - delete an object and its bindings",
	},
	{
		Name:          "object_import",
		MinRole:       domain.RoleAdmin,
		Class:         ratelimit.ClassImport,
		NeedsDocument: true,
		Mutating:      true,
		Help:          "/object_import - import objects from an attached xlsx file",
	},
	{
		Name:      "group_add",
		MinRole:   domain.RoleAdmin,
		Class:     ratelimit.ClassMutation,
		GroupOnly: true,
		Mutating:  true,
		Help:      "/group_add <object_id> - bind this group to an object",
	},
	{
		Name:      "group_del",
		MinRole:   domain.RoleAdmin,
		Class:     ratelimit.ClassMutation,
		GroupOnly: true,
		Mutating:  true,
		Help:      "/group_del <object_id> - unbind this group",
	},
	{Name: "group_list", MinRole: domain.RoleAdmin, Help: "/group_list - list known groups"},
	{
		Name:     "user_add",
		MinRole:  domain.RoleAdmin,
		Class:    ratelimit.ClassMutation,
		Mutating: true,
		Help:     "/user_add <id> [name] - allow a user to search",
	},
	{
		Name:     "user_del",
		MinRole:  domain.RoleAdmin,
		Class:    ratelimit.ClassMutation,
		Mutating: true,
		Help:     "/user_del <id> - remove a user",
	},
	{Name: "user_list", MinRole: domain.RoleAdmin, Help: "/user_list - list users"},
	{
		Name:     "time",
		MinRole:  domain.RoleAdmin,
		Class:    ratelimit.ClassMutation,
		Mutating: true,
		Help:     "/time [minutes] - show or set the rate window",
	},
	{
		Name:     "recipient_email",
		MinRole:  domain.RoleAdmin,
		Class:    ratelimit.ClassMutation,
		Mutating: true,
		Help:     "/recipient_email [address] - show or set the report recipient",
	},
	{
		Name:     "admin_add",
		MinRole:  domain.RoleSuperadmin,
		Class:    ratelimit.ClassMutation,
		Mutating: true,
		Help:     "/admin_add <id> [name] - grant admin",
	},
	{
		Name:     "admin_del",
		MinRole:  domain.RoleSuperadmin,
		Class:    ratelimit.ClassMutation,
		Mutating: true,
		Help:     "/admin_del <id> - revoke admin",
	},
	{Name: "admin_list", MinRole: domain.RoleSuperadmin, Help: "/admin_list - list admins"},
}

var commands = func() map[string]Spec {
	byName := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	return byName
}()

// Lookup returns the Spec for a command name.
func Lookup(name string) (Spec, bool) {
	spec, ok := commands[name]
	return spec, ok
}

// Commands returns all known command names in /help display order.
func Commands() []string {
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	return names
}

// HelpFor renders the command listing visible to the given role.
func HelpFor(role string) string {
	priority := domain.RolePriority(role)

	lines := make([]string, 0, len(specs)+1)
	lines = append(lines, "Commands:")
	for _, name := range Commands() {
		spec, ok := Lookup(name)
		if !ok || spec.Help == "" {
			continue
		}
		if priority < domain.RolePriority(spec.MinRole) {
			continue
		}
		lines = append(lines, spec.Help)
	}

	return strings.Join(lines, "\n")
}
