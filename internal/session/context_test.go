package session

import "testing"

func TestBuildContextDeterministic(t *testing.T) {
	a := BuildContext("Acme Corp", "u1", "11111111-2222-3333-4444-555555555555", "bot9", "main")
	b := BuildContext("Acme Corp", "u1", "11111111-2222-3333-4444-555555555555", "bot9", "main")
	if *a != *b {
		t.Errorf("identical inputs produced different contexts:\n%+v\n%+v", a, b)
	}
}

func TestSandboxIdentity(t *testing.T) {
	tests := []struct {
		name  string
		orgID string
		userID string
		botID string
		want  string
	}{
		{"org scoped", "acme", "u1", "", "org-acme"},
		{"user scoped", "", "alice", "", "user-alice"},
		{"org with bot", "acme", "u1", "deploy", "org-acme-bot-deploy"},
		{"user with bot", "", "alice", "deploy", "user-alice-bot-deploy"},
		{"sanitized", "Acme Corp!", "", "", "org-acme-corp-"},
		{"uppercase user", "", "Alice_B", "", "user-alice-b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildContext(tt.orgID, tt.userID, "s", tt.botID, "").SandboxIdentity
			if got != tt.want {
				t.Errorf("identity = %q, want %q", got, tt.want)
			}
		})
	}
}

// Org and user tenants with the same raw id must land in different
// sandboxes, as must a bot and its owner.
func TestSandboxIdentityNoCollisions(t *testing.T) {
	org := BuildContext("acme", "", "s", "", "").SandboxIdentity
	user := BuildContext("", "acme", "s", "", "").SandboxIdentity
	if org == user {
		t.Errorf("org and user tenants collide: %q", org)
	}

	owner := BuildContext("", "alice", "s", "", "").SandboxIdentity
	bot := BuildContext("", "alice", "s", "helper", "").SandboxIdentity
	if owner == bot {
		t.Errorf("bot shares its owner's sandbox: %q", owner)
	}
}

func TestBuildContextLayout(t *testing.T) {
	ctx := BuildContext("", "u", "abcdef12-3456-7890-abcd-ef1234567890", "", "develop")

	if ctx.SessionHome != "/home/kilo/sessions/abcdef12-3456-7890-abcd-ef1234567890" {
		t.Errorf("unexpected session home %q", ctx.SessionHome)
	}
	if ctx.Workspace != ctx.SessionHome+"/workspace" {
		t.Errorf("workspace must nest under session home, got %q", ctx.Workspace)
	}
	if ctx.BranchName != "kilo/session-abcdef12" {
		t.Errorf("unexpected branch name %q", ctx.BranchName)
	}
	if ctx.UpstreamBranch != "develop" {
		t.Errorf("upstream branch not carried, got %q", ctx.UpstreamBranch)
	}
}

func TestBranchNameShortID(t *testing.T) {
	ctx := BuildContext("", "u", "abc", "", "")
	if ctx.BranchName != "kilo/session-abc" {
		t.Errorf("short ids must not be padded or truncated, got %q", ctx.BranchName)
	}
}
