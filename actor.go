package refcache

import "strings"

// Role tags the kind of principal performing an operation.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Actor is a typed identity used in every permission check: a role, an
// optional principal id, and an optional session id. The zero value is an
// anonymous agent.
type Actor struct {
	Role      Role
	ID        string
	SessionID string
}

// User returns a user actor. Pass "" for an anonymous user.
func User(id string) Actor { return Actor{Role: RoleUser, ID: id} }

// Agent returns an agent actor. Pass "" for an anonymous agent.
func Agent(id string) Actor { return Actor{Role: RoleAgent, ID: id} }

// System returns the system actor. System bypasses namespace ownership.
func System() Actor { return Actor{Role: RoleSystem} }

// WithSession returns a copy of a carrying the given session id.
func (a Actor) WithSession(sid string) Actor {
	a.SessionID = sid
	return a
}

// IsSystem reports whether a holds the system role.
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// String returns the canonical form "role:principal", or just "role" for
// anonymous actors. This is the form policy owner fields and ACL patterns
// match against.
func (a Actor) String() string {
	role := string(a.Role)
	if role == "" {
		role = string(RoleAgent)
	}
	if a.ID == "" {
		return role
	}
	return role + ":" + a.ID
}

// Matches reports whether the actor's canonical form matches pattern.
// A trailing "*" is a prefix wildcard on the principal segment, so
// "agent:claude-*" matches "agent:claude-instance-1" and "user:*" matches
// every identified user. Without a wildcard the match is exact.
func (a Actor) Matches(pattern string) bool {
	canon := a.String()
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(canon, strings.TrimSuffix(pattern, "*"))
	}
	return canon == pattern
}

// AsActor canonicalizes the loose forms callers may pass: a fully typed
// Actor, or one of the literal strings "user", "agent", "system", optionally
// suffixed with ":<id>".
func AsActor(v any) (Actor, error) {
	switch t := v.(type) {
	case Actor:
		return t, nil
	case string:
		return parseActor(t)
	default:
		return Actor{}, &ErrInvalidArgument{Field: "actor", Reason: "must be an Actor or role string"}
	}
}

func parseActor(s string) (Actor, error) {
	role, id, _ := strings.Cut(s, ":")
	switch Role(role) {
	case RoleUser, RoleAgent, RoleSystem:
		return Actor{Role: Role(role), ID: id}, nil
	}
	return Actor{}, &ErrInvalidArgument{Field: "actor", Reason: "unknown role " + role}
}
