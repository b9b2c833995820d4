package session

import (
	"path"
	"strings"
)

// SessionContext holds everything one execution attempt needs to know
// about where it runs. Built once per attempt, never mutated; callers
// must derive identity and paths through BuildContext only.
type SessionContext struct {
	SandboxIdentity string
	SessionID       string
	SessionHome     string
	Workspace       string
	BranchName      string
	UpstreamBranch  string
	OrgID           string
	UserID          string
	BotID           string
}

const sessionsRoot = "/home/kilo/sessions"

// BuildContext derives the sandbox identity and workspace layout from
// tenant identity. Pure and deterministic: identical inputs always
// yield the identical context, across process restarts.
func BuildContext(orgID, userID, sessionID, botID, upstreamBranch string) *SessionContext {
	home := path.Join(sessionsRoot, sessionID)
	return &SessionContext{
		SandboxIdentity: sandboxIdentity(orgID, userID, botID),
		SessionID:       sessionID,
		SessionHome:     home,
		Workspace:       path.Join(home, "workspace"),
		BranchName:      branchName(sessionID),
		UpstreamBranch:  upstreamBranch,
		OrgID:           orgID,
		UserID:          userID,
		BotID:           botID,
	}
}

// sandboxIdentity maps a tenant to its sandbox key. Type-tag prefixes
// keep org-scoped and user-scoped tenants from ever colliding, and the
// bot suffix isolates bot traffic from its owner's sandbox.
func sandboxIdentity(orgID, userID, botID string) string {
	var b strings.Builder
	if orgID != "" {
		b.WriteString("org-")
		b.WriteString(sanitizeIdentityPart(orgID))
	} else {
		b.WriteString("user-")
		b.WriteString(sanitizeIdentityPart(userID))
	}
	if botID != "" {
		b.WriteString("-bot-")
		b.WriteString(sanitizeIdentityPart(botID))
	}
	return b.String()
}

// sanitizeIdentityPart lowercases and collapses anything outside
// [a-z0-9] to '-' so identities are valid container names.
func sanitizeIdentityPart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// branchName derives the working branch for a session
func branchName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "kilo/session-" + short
}
