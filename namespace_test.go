package refcache

import "testing"

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		raw     string
		kind    NamespaceKind
		owner   string
		session string
		wantErr bool
	}{
		{raw: "public", kind: KindPublic},
		{raw: "session:abc", kind: KindSession, session: "abc"},
		{raw: "user:alice", kind: KindUser, owner: "alice"},
		{raw: "agent:claude", kind: KindAgent, owner: "claude"},
		{raw: "user:alice:session:s1", kind: KindUserSession, owner: "alice", session: "s1"},
		{raw: "org:acme", kind: KindOrg, owner: "acme"},
		{raw: "custom:reports", kind: KindCustom},
		{raw: "", wantErr: true},
		{raw: "user:", wantErr: true},
		{raw: "session:", wantErr: true},
		{raw: "team:blue", wantErr: true},
		{raw: "user:alice:extra", wantErr: true},
	}
	for _, tt := range tests {
		ns, err := ParseNamespace(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseNamespace(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNamespace(%q): %v", tt.raw, err)
			continue
		}
		if ns.Kind != tt.kind || ns.OwnerID != tt.owner || ns.SessionID != tt.session {
			t.Errorf("ParseNamespace(%q) = %+v, want kind=%s owner=%q session=%q",
				tt.raw, ns, tt.kind, tt.owner, tt.session)
		}
	}
}

func TestNamespaceAccessible(t *testing.T) {
	tests := []struct {
		ns    string
		actor Actor
		want  bool
	}{
		{"public", Agent(""), true},
		{"public", User("anyone"), true},

		{"user:alice", User("alice"), true},
		{"user:alice", User("bob"), false},
		{"user:alice", Agent("alice"), false}, // role must match, not just id
		{"user:alice", System(), true},

		{"agent:claude", Agent("claude"), true},
		{"agent:claude", Agent("gpt"), false},
		{"agent:claude", System(), true},

		{"session:s1", User("alice").WithSession("s1"), true},
		{"session:s1", Agent("bot").WithSession("s1"), true},
		{"session:s1", User("alice").WithSession("s2"), false},
		{"session:s1", System(), true},

		{"user:alice:session:s1", User("alice").WithSession("s1"), true},
		{"user:alice:session:s1", User("alice").WithSession("s2"), false},
		{"user:alice:session:s1", User("bob").WithSession("s1"), false},
		{"user:alice:session:s1", System(), true},

		// org and custom defer to policy ACLs
		{"org:acme", User("outsider"), true},
		{"custom:reports", Agent(""), true},
	}
	for _, tt := range tests {
		ns, err := ParseNamespace(tt.ns)
		if err != nil {
			t.Fatalf("ParseNamespace(%q): %v", tt.ns, err)
		}
		if got := ns.Accessible(tt.actor); got != tt.want {
			t.Errorf("%q.Accessible(%s) = %v, want %v", tt.ns, tt.actor, got, tt.want)
		}
	}
}
