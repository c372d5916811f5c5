package rbac

import "strings"

type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Capabilities maps resource -> action -> allowed.
type Capabilities map[string]map[string]bool

// Override flips a single dot-path capability. Enabled=false revokes a
// capability the role defaults grant.
type Override struct {
	Key     string
	Enabled bool
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleUser:
		return Role(role)
	default:
		return RoleUser
	}
}

// Bypass reports whether the role skips per-capability checks entirely.
// Callers must log every grant made through the bypass.
func Bypass(role Role) bool {
	return role == RoleOwner || role == RoleAdmin
}

var catalog = []struct {
	resource string
	actions  []string
}{
	{"leads", []string{"view", "create", "update", "delete", "assign"}},
	{"conversations", []string{"view", "send", "export"}},
	{"tags", []string{"view", "create", "update", "delete"}},
	{"contactfields", []string{"view", "manage"}},
	{"agents", []string{"view", "create", "update", "delete", "sync"}},
	{"vectorstores", []string{"view", "manage"}},
	{"connections", []string{"view", "manage"}},
	{"users", []string{"view", "invite", "manage"}},
	{"permissiongroups", []string{"view", "manage"}},
	{"settings", []string{"view", "manage"}},
	{"search", []string{"view"}},
}

// userDefaults is the least-privilege table for the "user" role. Every
// key absent here resolves to false.
var userDefaults = map[string]bool{
	"leads.view":          true,
	"leads.create":        true,
	"leads.update":        true,
	"conversations.view":  true,
	"conversations.send":  true,
	"tags.view":           true,
	"contactfields.view":  true,
	"agents.view":         true,
	"search.view":         true,
}

// Defaults returns a fresh capability map for the role. Unknown roles
// get user defaults.
func Defaults(role Role) Capabilities {
	caps := Capabilities{}
	full := Bypass(Normalize(string(role)))
	for _, entry := range catalog {
		actions := map[string]bool{}
		for _, action := range entry.actions {
			if full {
				actions[action] = true
				continue
			}
			actions[action] = userDefaults[entry.resource+"."+action]
		}
		caps[entry.resource] = actions
	}
	return caps
}

// Merge applies overrides onto base, last write wins per leaf key.
// Overrides with malformed keys are ignored.
func Merge(base Capabilities, overrides []Override) Capabilities {
	merged := Capabilities{}
	for resource, actions := range base {
		copied := make(map[string]bool, len(actions))
		for action, allowed := range actions {
			copied[action] = allowed
		}
		merged[resource] = copied
	}
	for _, override := range overrides {
		resource, action, ok := splitKey(override.Key)
		if !ok {
			continue
		}
		if merged[resource] == nil {
			merged[resource] = map[string]bool{}
		}
		merged[resource][action] = override.Enabled
	}
	return merged
}

// Resolve walks a dot-path key against the capability map. Anything
// missing or malformed resolves to false.
func Resolve(caps Capabilities, key string) bool {
	resource, action, ok := splitKey(key)
	if !ok {
		return false
	}
	actions, ok := caps[resource]
	if !ok {
		return false
	}
	return actions[action]
}

// CatalogKeys lists every known capability key in catalog order.
func CatalogKeys() []string {
	var keys []string
	for _, entry := range catalog {
		for _, action := range entry.actions {
			keys = append(keys, entry.resource+"."+action)
		}
	}
	return keys
}

func splitKey(key string) (resource, action string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
