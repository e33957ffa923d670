package refcache

import "testing"

func TestActorString(t *testing.T) {
	tests := []struct {
		actor Actor
		want  string
	}{
		{User("alice"), "user:alice"},
		{Agent("claude-1"), "agent:claude-1"},
		{System(), "system"},
		{User(""), "user"},
		{Actor{}, "agent"}, // zero value is an anonymous agent
	}
	for _, tt := range tests {
		if got := tt.actor.String(); got != tt.want {
			t.Errorf("%#v.String() = %q, want %q", tt.actor, got, tt.want)
		}
	}
}

func TestActorMatches(t *testing.T) {
	tests := []struct {
		actor   Actor
		pattern string
		want    bool
	}{
		{User("alice"), "user:alice", true},
		{User("alice"), "user:bob", false},
		{User("alice"), "user:*", true},
		{Agent("claude-instance-1"), "agent:claude-*", true},
		{Agent("gpt-4"), "agent:claude-*", false},
		{System(), "system", true},
		{Agent("x"), "*", true},
	}
	for _, tt := range tests {
		if got := tt.actor.Matches(tt.pattern); got != tt.want {
			t.Errorf("%s.Matches(%q) = %v, want %v", tt.actor, tt.pattern, got, tt.want)
		}
	}
}

func TestActorWithSession(t *testing.T) {
	a := User("alice").WithSession("sess-9")
	if a.SessionID != "sess-9" {
		t.Errorf("SessionID = %q, want %q", a.SessionID, "sess-9")
	}
	if a.ID != "alice" || a.Role != RoleUser {
		t.Errorf("WithSession mutated identity: %#v", a)
	}
}

func TestAsActor(t *testing.T) {
	a, err := AsActor("user:alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.Role != RoleUser || a.ID != "alice" {
		t.Errorf("AsActor(\"user:alice\") = %#v", a)
	}

	a, err = AsActor("system")
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsSystem() {
		t.Errorf("AsActor(\"system\") = %#v, want system", a)
	}

	typed := Agent("bot")
	a, err = AsActor(typed)
	if err != nil {
		t.Fatal(err)
	}
	if a != typed {
		t.Errorf("AsActor(Actor) = %#v, want %#v", a, typed)
	}

	if _, err := AsActor("wizard:merlin"); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := AsActor(42); err == nil {
		t.Error("expected error for non-actor value")
	}
}
