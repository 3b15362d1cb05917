package api

import (
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
)

// sessionIDPattern accepts URL-safe base64 identifiers. Generated ids are 86
// characters (512 bits); the lower bound tolerates recovered legacy ids.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

func validSessionID(sessionID string) bool {
	return sessionIDPattern.MatchString(sessionID)
}

// newSessionID returns a 512-bit URL-safe session identifier.
func newSessionID() (string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// safeRedirect reports whether target is a same-origin relative path:
// starts with a single "/", no scheme, no host.
func safeRedirect(target string) bool {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return false
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return false
	}
	return parsed.Scheme == "" && parsed.Host == ""
}

// cleanWorkspacePath strips traversal attempts from a client-supplied
// workspace-relative path the way the download endpoints expect it.
func cleanWorkspacePath(p string) string {
	p = strings.Trim(p, "/")
	return strings.ReplaceAll(p, "..", "")
}
