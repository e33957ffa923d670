package refcache

import "strings"

// NamespaceKind classifies the recognized namespace forms.
type NamespaceKind string

const (
	KindPublic      NamespaceKind = "public"
	KindSession     NamespaceKind = "session"
	KindUser        NamespaceKind = "user"
	KindAgent       NamespaceKind = "agent"
	KindUserSession NamespaceKind = "user_session"
	KindOrg         NamespaceKind = "org"
	KindCustom      NamespaceKind = "custom"
)

// Namespace is the parsed form of a hierarchical namespace string.
// Recognized shapes: "public", "session:<id>", "user:<id>", "agent:<id>",
// "user:<uid>:session:<sid>", "org:<id>", "custom:<name>".
type Namespace struct {
	Raw       string
	Kind      NamespaceKind
	OwnerID   string
	SessionID string
}

// IsPublic reports whether the namespace is the shared public scope.
func (n Namespace) IsPublic() bool { return n.Kind == KindPublic }

// ParseNamespace validates and decomposes a raw namespace string.
func ParseNamespace(raw string) (Namespace, error) {
	if raw == "" {
		return Namespace{}, &ErrInvalidArgument{Field: "namespace", Reason: "empty"}
	}
	if raw == "public" {
		return Namespace{Raw: raw, Kind: KindPublic}, nil
	}
	parts := strings.Split(raw, ":")
	switch {
	case len(parts) == 2 && parts[0] == "session" && parts[1] != "":
		return Namespace{Raw: raw, Kind: KindSession, SessionID: parts[1]}, nil
	case len(parts) == 2 && parts[0] == "user" && parts[1] != "":
		return Namespace{Raw: raw, Kind: KindUser, OwnerID: parts[1]}, nil
	case len(parts) == 2 && parts[0] == "agent" && parts[1] != "":
		return Namespace{Raw: raw, Kind: KindAgent, OwnerID: parts[1]}, nil
	case len(parts) == 4 && parts[0] == "user" && parts[2] == "session" && parts[1] != "" && parts[3] != "":
		return Namespace{Raw: raw, Kind: KindUserSession, OwnerID: parts[1], SessionID: parts[3]}, nil
	case len(parts) >= 2 && parts[0] == "org" && parts[1] != "":
		return Namespace{Raw: raw, Kind: KindOrg, OwnerID: parts[1]}, nil
	case len(parts) >= 2 && parts[0] == "custom" && parts[1] != "":
		return Namespace{Raw: raw, Kind: KindCustom}, nil
	}
	return Namespace{}, &ErrInvalidArgument{Field: "namespace", Reason: "unrecognized form " + raw}
}

// Accessible applies the implicit ownership rules:
//
//   - public: everyone.
//   - user:<uid>: the matching user, or system.
//   - agent:<aid>: the matching agent, or system.
//   - session:<sid>: any actor carrying that session id.
//   - user:<uid>:session:<sid>: both of the above.
//   - org:* and custom:*: no implicit ownership; access falls through to
//     the entry's policy ACLs.
func (n Namespace) Accessible(a Actor) bool {
	switch n.Kind {
	case KindPublic, KindOrg, KindCustom:
		return true
	case KindUser:
		return a.IsSystem() || (a.Role == RoleUser && a.ID == n.OwnerID)
	case KindAgent:
		return a.IsSystem() || (a.Role == RoleAgent && a.ID == n.OwnerID)
	case KindSession:
		return a.IsSystem() || a.SessionID == n.SessionID
	case KindUserSession:
		if a.IsSystem() {
			return true
		}
		return a.Role == RoleUser && a.ID == n.OwnerID && a.SessionID == n.SessionID
	}
	return false
}
