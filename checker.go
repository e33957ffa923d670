package refcache

// CheckAccess resolves the effective permission set for an actor against an
// entry's policy and namespace, then verifies it covers required.
// Resolution order (first grant wins; deny is absolute):
//
//  1. deny list: any matching pattern denies outright.
//  2. bound session: a policy bound to a session denies actors presenting
//     any other session id, system included.
//  3. namespace ownership: the namespace's implicit rules, with a system
//     bypass.
//  4. allow list: when present, non-matching actors are denied and
//     matching actors receive their role default.
//  5. owner: a matching owner receives OwnerPermissions.
//  6. role default: user/agent/system permissions from the policy.
//
// On success the effective set is returned so callers can make secondary
// decisions (e.g. read-or-execute) without re-running the walk.
func CheckAccess(actor Actor, required Permission, policy AccessPolicy, ns Namespace) (Permission, error) {
	deny := func(reason string) (Permission, error) {
		return PermNone, &ErrPermissionDenied{
			Actor:     actor.String(),
			Required:  required,
			Reason:    reason,
			Namespace: ns.Raw,
		}
	}

	for _, pattern := range policy.Deny {
		if actor.Matches(pattern) {
			return deny("deny list")
		}
	}

	if policy.BoundSession != "" && actor.SessionID != policy.BoundSession {
		return deny("session mismatch")
	}

	if !ns.Accessible(actor) {
		return deny("namespace ownership")
	}

	effective, granted := PermNone, false

	if len(policy.Allow) > 0 {
		matched := false
		for _, pattern := range policy.Allow {
			if actor.Matches(pattern) {
				matched = true
				break
			}
		}
		if !matched && !actor.IsSystem() {
			return deny("not on allow list")
		}
		effective, granted = roleDefault(actor, policy), true
	}

	if !granted && policy.Owner != "" && policy.OwnerPermissions != nil && actor.Matches(policy.Owner) {
		effective, granted = *policy.OwnerPermissions, true
	}

	if !granted {
		effective = roleDefault(actor, policy)
	}

	if !effective.Has(required) {
		return deny("insufficient permissions")
	}
	return effective, nil
}

func roleDefault(actor Actor, policy AccessPolicy) Permission {
	switch actor.Role {
	case RoleUser:
		return policy.UserPermissions
	case RoleSystem:
		return policy.SystemPermissions
	default:
		return policy.AgentPermissions
	}
}
