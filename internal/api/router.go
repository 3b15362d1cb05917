package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/vibeterm/broker/internal/auth"
	"github.com/vibeterm/broker/internal/config"
	"github.com/vibeterm/broker/internal/web"
)

type Server struct {
	cfg      *config.Config
	sessions SessionService
	runtime  Runtime
	owners   Owners
	auth     Authenticator
	hub      PollingHub
	pages    *web.Templates
	logger   *slog.Logger
	mux      *http.ServeMux

	limiterMu sync.Mutex
	limiter   *auth.RateLimiter

	// createLocks serialize session creation per principal so the quota
	// check is atomic.
	createMu    sync.Mutex
	createLocks map[string]*sync.Mutex

	// insecureCookies drops the Secure cookie flag. Tests over plain HTTP
	// only; never set in production wiring.
	insecureCookies bool
}

func NewServer(cfg *config.Config, sessions SessionService, rt Runtime, owners Owners,
	authn Authenticator, hub PollingHub, pages *web.Templates, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		sessions:    sessions,
		runtime:     rt,
		owners:      owners,
		auth:        authn,
		hub:         hub,
		pages:       pages,
		logger:      logger,
		mux:         http.NewServeMux(),
		limiter:     auth.NewRateLimiter(),
		createLocks: make(map[string]*sync.Mutex),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	// Pages
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /terminal/{sid}", s.requireOwnership(s.handleTerminalPage))

	// Auth flow
	s.mux.HandleFunc("GET /login", s.handleLoginPage)
	s.mux.HandleFunc("POST /login", s.handleLoginSubmit)
	s.mux.HandleFunc("GET /logout", s.handleLogout)

	// Session lifecycle
	s.mux.HandleFunc("POST /session/new", s.handleCreateSession)
	s.mux.HandleFunc("GET /session/{sid}/status", s.requireOwnership(s.handleSessionStatus))
	s.mux.HandleFunc("DELETE /session/{sid}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /my/sessions", s.handleMySessions)
	s.mux.HandleFunc("GET /sessions", s.handleAdminSessions)

	// Workspace files
	s.mux.HandleFunc("POST /session/{sid}/upload", s.requireOwnership(s.handleUpload))
	s.mux.HandleFunc("GET /session/{sid}/files", s.requireOwnership(s.handleListFiles))
	s.mux.HandleFunc("GET /session/{sid}/browse", s.requireOwnership(s.handleBrowse))
	s.mux.HandleFunc("GET /session/{sid}/download", s.requireOwnership(s.handleDownload))
	s.mux.HandleFunc("GET /session/{sid}/download-archive", s.requireOwnership(s.handleDownloadArchive))

	// Socket transport
	s.mux.HandleFunc("GET /terminal/{sid}/ws", s.handleTerminalSocket)

	// Polling transport
	s.mux.HandleFunc("POST /terminal/{sid}/connect", s.requireOwnership(s.handlePollConnect))
	s.mux.HandleFunc("GET /terminal/{sid}/poll", s.requireOwnership(s.handlePoll))
	s.mux.HandleFunc("POST /terminal/{sid}/input", s.requireOwnership(s.handlePollInput))
	s.mux.HandleFunc("POST /terminal/{sid}/resize", s.requireOwnership(s.handlePollResize))
	s.mux.HandleFunc("POST /terminal/{sid}/disconnect", s.requireOwnership(s.handlePollDisconnect))
}

// createLock returns the per-principal creation lock.
func (s *Server) createLock(principal string) *sync.Mutex {
	s.createMu.Lock()
	defer s.createMu.Unlock()
	lock, ok := s.createLocks[principal]
	if !ok {
		lock = &sync.Mutex{}
		s.createLocks[principal] = lock
	}
	return lock
}
