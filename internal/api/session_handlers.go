package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/vibeterm/broker/internal/docker"
	"github.com/vibeterm/broker/internal/web"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.pages.Index(w); err != nil {
		s.logger.Error("render index", "error", err)
	}
}

func (s *Server) handleTerminalPage(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if _, err := s.sessions.GetOrCreate(r.Context(), sid); err != nil {
		s.logger.Error("terminal page: session start failed", "session_id", shortSID(sid), "error", err)
		writeAPIError(w, err)
		return
	}
	if err := s.pages.Terminal(w, web.TerminalData{SessionID: sid}); err != nil {
		s.logger.Error("render terminal", "error", err)
	}
}

// handleCreateSession creates a session for the caller. Creation is
// serialized per principal so the quota check and the insert are atomic;
// stale ownership rows are pruned before counting.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	lock := s.createLock(p)
	lock.Lock()
	defer lock.Unlock()

	s.pruneGoneSessions(r, p)

	if s.owners.CountFor(p) >= s.cfg.MaxSessionsPerUser {
		writeAPIError(w, ErrQuotaExceeded)
		return
	}

	sid, err := newSessionID()
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if _, err := s.sessions.GetOrCreate(r.Context(), sid); err != nil {
		s.logger.Error("create session failed", "session_id", shortSID(sid), "error", err)
		writeAPIError(w, err)
		return
	}
	if err := s.owners.Assign(sid, p); err != nil {
		s.logger.Error("assign ownership failed", "session_id", shortSID(sid), "error", err)
		s.sessions.Delete(r.Context(), sid, true)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sid,
		"redirect":   "/terminal/" + sid,
	})
}

// pruneGoneSessions drops the caller's ownership rows whose session or
// container no longer exists. Ownership may outlive both across restarts.
func (s *Server) pruneGoneSessions(r *http.Request, p string) {
	for _, sid := range s.owners.SessionsFor(p) {
		sess := s.sessions.Get(sid)
		if sess == nil {
			s.owners.Remove(sid)
			continue
		}
		details, err := s.runtime.InspectContainer(r.Context(), sess.ContainerName)
		if err != nil || details.Status == "exited" || details.Status == "dead" {
			s.owners.Remove(sid)
		}
	}
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	sess := s.sessions.Get(sid)
	if sess == nil {
		writeNotFoundError(w)
		return
	}

	details, err := s.runtime.InspectContainer(r.Context(), sess.ContainerName)
	if errors.Is(err, docker.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": sid,
			"status":     "not_found",
		})
		return
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":    sid,
		"status":        details.Status,
		"created_at":    sess.CreatedAt.Format(time.RFC3339),
		"last_accessed": sess.LastAccessed().Format(time.RFC3339),
	})
}

// handleDeleteSession tears down a session. Idempotent: succeeds even if
// the session or container is already gone. Orphaned rows (no ownership
// entry) may be cleaned up by anyone; rows owned by someone else are 403.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if !validSessionID(sid) {
		writeValidationError(w, "invalid session id", nil)
		return
	}
	if owner, ok := s.owners.Owner(sid); ok && owner != principal(r) {
		writeForbiddenError(w, "access denied")
		return
	}

	s.hub.Disconnect(sid)
	if s.sessions.Get(sid) != nil {
		s.sessions.Delete(r.Context(), sid, true)
	}
	if err := s.owners.Remove(sid); err != nil {
		s.logger.Warn("remove ownership", "session_id", shortSID(sid), "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type sessionInfo struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

// handleMySessions lists the caller's sessions with live container status
// and auto-prunes rows whose container is gone.
func (s *Server) handleMySessions(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	var result []sessionInfo
	var prune []string
	for _, sid := range s.owners.SessionsFor(p) {
		info := sessionInfo{ID: sid, Label: shortLabel(sid), Status: "gone"}
		if sess := s.sessions.Get(sid); sess != nil {
			if details, err := s.runtime.InspectContainer(r.Context(), sess.ContainerName); err == nil {
				info.Status = details.Status
				info.CreatedAt = sess.CreatedAt.Format(time.RFC3339)
			}
		}
		if info.Status == "gone" {
			prune = append(prune, sid)
			continue
		}
		result = append(result, info)
	}

	for _, sid := range prune {
		s.owners.Remove(sid)
		if s.sessions.Get(sid) != nil {
			s.sessions.Delete(r.Context(), sid, true)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		ri, rj := result[i].Status == "running", result[j].Status == "running"
		if ri != rj {
			return ri
		}
		return result[i].CreatedAt < result[j].CreatedAt
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":     result,
		"max_sessions": s.cfg.MaxSessionsPerUser,
	})
}

// handleAdminSessions lists every session without exposing session ids, so
// the output cannot be used to hijack terminals.
func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if !s.auth.IsAdmin(principal(r)) {
		writeForbiddenError(w, "admin access required")
		return
	}

	type adminInfo struct {
		Status       string `json:"status"`
		CreatedAt    string `json:"created_at"`
		LastAccessed string `json:"last_accessed"`
		RefCount     int    `json:"ref_count"`
		State        string `json:"state"`
	}

	result := make([]adminInfo, 0)
	for _, sess := range s.sessions.List() {
		status := "error"
		details, err := s.runtime.InspectContainer(r.Context(), sess.ContainerName)
		switch {
		case err == nil:
			status = details.Status
		case errors.Is(err, docker.ErrNotFound):
			status = "not_found"
		}
		result = append(result, adminInfo{
			Status:       status,
			CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
			LastAccessed: sess.LastAccessed().Format(time.RFC3339),
			RefCount:     sess.RefCount(),
			State:        sess.State().String(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(result),
		"sessions": result,
	})
}

func shortSID(sid string) string {
	if len(sid) > 12 {
		return sid[:12]
	}
	return sid
}

func shortLabel(sid string) string {
	if len(sid) > 8 {
		return sid[:8]
	}
	return sid
}
