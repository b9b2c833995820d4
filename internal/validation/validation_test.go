package validation

import "testing"

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"valid uuid", "a1b2c3d4-e5f6-7890-abcd-ef1234567890", true},
		{"uppercase hex", "A1B2C3D4-E5F6-7890-ABCD-EF1234567890", true},
		{"empty", "", false},
		{"too short", "a1b2c3d4", false},
		{"no dashes", "a1b2c3d4e5f67890abcdef1234567890", false},
		{"injection", "x'; DROP TABLE sessions;--", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Errorf("expected rejection of %q", tt.id)
			}
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"acme", true},
		{"user_42", true},
		{"bot-deploy", true},
		{"", false},
		{"has space", false},
		{"has/slash", false},
		{string(make([]byte, 65)), false},
	}

	for _, tt := range tests {
		err := ValidateIdentifier(tt.id)
		if tt.ok && err != nil {
			t.Errorf("ValidateIdentifier(%q) unexpected error: %v", tt.id, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidateIdentifier(%q) should be rejected", tt.id)
		}
	}
}

func TestValidateGithubRepo(t *testing.T) {
	tests := []struct {
		repo string
		ok   bool
	}{
		{"acme/repo", true},
		{"acme/repo.js", true},
		{"org-name/some_repo", true},
		{"", false},
		{"no-slash", false},
		{"too/many/parts", false},
		{"https://github.com/acme/repo", false},
	}

	for _, tt := range tests {
		err := ValidateGithubRepo(tt.repo)
		if tt.ok && err != nil {
			t.Errorf("ValidateGithubRepo(%q) unexpected error: %v", tt.repo, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidateGithubRepo(%q) should be rejected", tt.repo)
		}
	}
}

func TestValidateGitURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://gitlab.com/x/y.git", true},
		{"git@github.com:x/y.git", true},
		{"ssh://git@host/x/y.git", true},
		{"", false},
		{"http://insecure.example/x.git", false},
		{"file:///etc/passwd", false},
	}

	for _, tt := range tests {
		err := ValidateGitURL(tt.url)
		if tt.ok && err != nil {
			t.Errorf("ValidateGitURL(%q) unexpected error: %v", tt.url, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidateGitURL(%q) should be rejected", tt.url)
		}
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"simple", "workspace/src/main.go", true},
		{"dotfile", ".env.example", true},
		{"empty", "", false},
		{"traversal", "../etc/passwd", false},
		{"embedded traversal", "a/../../b", false},
		{"absolute", "/etc/passwd", false},
		{"unsafe component", "a/b c/d", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizePath(tt.path)
			if tt.ok {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if got != tt.path {
					t.Errorf("path mangled: %q -> %q", tt.path, got)
				}
				return
			}
			if err == nil {
				t.Errorf("expected rejection of %q", tt.path)
			}
		})
	}
}
