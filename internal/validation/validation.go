package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// safePathRegex matches safe path components (alphanumeric, dash, underscore, dot)
	safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// identifierRegex matches tenant identifiers (org/user/bot ids)
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

	// repoRegex matches "owner/name" GitHub repo references
	repoRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateSessionID validates a session ID (UUID format)
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	return ValidateUUID(id)
}

// ValidateIdentifier validates a tenant identifier (org, user, bot)
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s", id)
	}
	return nil
}

// ValidateGithubRepo validates an "owner/name" repo reference
func ValidateGithubRepo(repo string) error {
	if repo == "" {
		return fmt.Errorf("repo cannot be empty")
	}
	if !repoRegex.MatchString(repo) {
		return fmt.Errorf("invalid repo reference: %s", repo)
	}
	return nil
}

// ValidateGitURL validates a generic git clone URL
func ValidateGitURL(url string) error {
	if url == "" {
		return fmt.Errorf("git url cannot be empty")
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "git@") && !strings.HasPrefix(url, "ssh://") {
		return fmt.Errorf("unsupported git url scheme: %s", url)
	}
	return nil
}

// SanitizePath removes path traversal attempts and validates path components
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	// Reject obvious traversal attempts
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	// Reject absolute paths when relative expected
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	// Split and validate each component
	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue // Allow trailing/leading slashes
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return path, nil
}
