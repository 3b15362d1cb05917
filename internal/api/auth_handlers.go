package api

import (
	"net/http"
	"strings"

	"github.com/vibeterm/broker/internal/auth"
	"github.com/vibeterm/broker/internal/web"
)

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	next := r.URL.Query().Get("next")
	if !safeRedirect(next) {
		next = "/"
	}
	s.pages.Login(w, http.StatusOK, web.LoginData{Next: next})
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	next := r.PostFormValue("next")
	if !safeRedirect(next) {
		next = "/"
	}
	addr := auth.ClientAddr(r.RemoteAddr, r.Header.Get("X-Forwarded-For"))

	s.limiterMu.Lock()
	blocked := s.limiter.IsBlocked(username, addr)
	s.limiterMu.Unlock()
	if blocked {
		s.logger.Warn("login blocked by rate limiter", "user", username, "addr", addr)
		s.pages.Login(w, http.StatusTooManyRequests, web.LoginData{
			Error: "Too many failed attempts. Try again later.",
			Next:  next,
		})
		return
	}

	if !s.auth.Authenticate(username, password) {
		s.limiterMu.Lock()
		s.limiter.RecordFailure(username, addr)
		s.limiterMu.Unlock()
		s.logger.Info("failed login", "user", username, "addr", addr)
		s.pages.Login(w, http.StatusUnauthorized, web.LoginData{
			Error: "Invalid username or password.",
			Next:  next,
		})
		return
	}

	s.limiterMu.Lock()
	s.limiter.Reset(username, addr)
	s.limiterMu.Unlock()

	token, err := s.auth.CreateSession(username)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.auth.SessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   !s.insecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.Redirect(w, r, next, http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		s.auth.DestroySession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !s.insecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.Redirect(w, r, "/login", http.StatusFound)
}
