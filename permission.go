package refcache

import "strings"

// Permission is a bitset of access rights over a cached entry.
// Execute is independent of Read: it permits use of a value in server-side
// computation without ever disclosing its content.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermUpdate
	PermDelete
	PermExecute
)

const (
	PermNone Permission = 0
	PermCRUD            = PermRead | PermWrite | PermUpdate | PermDelete
	PermFull            = PermCRUD | PermExecute
)

// Has reports whether p contains every bit of q (subset test).
func (p Permission) Has(q Permission) bool { return p&q == q }

// Union returns the combined permission set.
func (p Permission) Union(q Permission) Permission { return p | q }

// Intersect returns the permissions present in both sets.
func (p Permission) Intersect(q Permission) Permission { return p & q }

// String renders the set as "read|write|...", or "none".
func (p Permission) String() string {
	if p == PermNone {
		return "none"
	}
	names := []struct {
		bit  Permission
		name string
	}{
		{PermRead, "read"},
		{PermWrite, "write"},
		{PermUpdate, "update"},
		{PermDelete, "delete"},
		{PermExecute, "execute"},
	}
	var parts []string
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// AccessPolicy controls who may do what with an entry. The three role
// defaults always apply as the baseline; every other field is an optional
// override ("absent" means no override). Policies are plain values:
// comparable, JSON-serializable, and safe to copy.
type AccessPolicy struct {
	UserPermissions   Permission `json:"user_permissions"`
	AgentPermissions  Permission `json:"agent_permissions"`
	SystemPermissions Permission `json:"system_permissions"`

	// Owner is the canonical actor form ("user:alice") that receives
	// OwnerPermissions instead of its role default.
	Owner            string      `json:"owner,omitempty"`
	OwnerPermissions *Permission `json:"owner_permissions,omitempty"`

	// Allow and Deny hold actor patterns ("agent:claude-*"). Deny is
	// absolute; a non-empty Allow list admits only matching actors.
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`

	// BoundSession restricts access to actors carrying this session id.
	BoundSession string `json:"bound_session,omitempty"`
}

// DefaultPolicy returns the baseline policy: users and the system hold the
// full set, agents may read and execute but not mutate.
func DefaultPolicy() AccessPolicy {
	return AccessPolicy{
		UserPermissions:   PermFull,
		AgentPermissions:  PermRead | PermExecute,
		SystemPermissions: PermFull,
	}
}

// PermPtr returns a pointer to p, for the optional OwnerPermissions field.
func PermPtr(p Permission) *Permission { return &p }
