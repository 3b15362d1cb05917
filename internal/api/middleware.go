package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/vibeterm/broker/internal/auth"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	principalKey contextKey = "principal"
)

// authExempt paths bypass the gate so the login flow itself works.
func authExempt(path string) bool {
	return path == "/login" || path == "/logout" || strings.HasPrefix(path, "/static/")
}

// authMiddleware resolves the request principal. With authentication
// disabled everyone is the anonymous principal; the loopback-only binding
// is enforced at startup, not here.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), auth.Anonymous)))
			return
		}

		if authExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if cookie, err := r.Cookie(auth.CookieName); err == nil {
			if principal, ok := s.auth.Validate(cookie.Value); ok {
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
				return
			}
		}

		// Upgrade requests cannot follow redirects.
		if strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
			writeUnauthorizedError(w, "authentication required")
			return
		}

		target := r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, "/login?next="+url.QueryEscape(target), http.StatusFound)
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// principal returns the authenticated principal installed by the gate.
func principal(r *http.Request) string {
	if p, ok := r.Context().Value(principalKey).(string); ok {
		return p
	}
	return auth.Anonymous
}

// requireOwnership wraps a {sid} handler: the session id must be
// well-formed, present in the ownership map, and owned by the caller. A
// missing row reads as 404 so strangers cannot probe for live sessions.
func (s *Server) requireOwnership(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := r.PathValue("sid")
		if !validSessionID(sid) {
			writeValidationError(w, "invalid session id", nil)
			return
		}
		owner, ok := s.owners.Owner(sid)
		if !ok {
			writeNotFoundError(w)
			return
		}
		if owner != principal(r) {
			writeForbiddenError(w, "access denied")
			return
		}
		next(w, r)
	}
}
