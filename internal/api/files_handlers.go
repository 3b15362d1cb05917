package api

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vibeterm/broker/internal/docker"
)

// workspaceUID/GID is the in-container user uploaded files must belong to.
const (
	workspaceUID = 1000
	workspaceGID = 1000
)

const maxUploadBytes = 512 << 20

type fileEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	IsDir    bool   `json:"is_dir"`
	Modified string `json:"modified"`
}

// workspaceFor resolves the session's workspace directory or fails the
// request.
func (s *Server) workspaceFor(w http.ResponseWriter, sid string) (string, bool) {
	sess := s.sessions.Get(sid)
	if sess == nil {
		writeNotFoundError(w)
		return "", false
	}
	return sess.Workspace, true
}

// handleUpload writes a multipart file into the workspace. The optional
// "path" form field carries a workspace-relative target for folder uploads.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	workspace, ok := s.workspaceFor(w, sid)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeValidationError(w, "missing file field", nil)
		return
	}
	defer file.Close()

	relative := r.FormValue("path")
	if relative == "" {
		relative = header.Filename
	}
	relative = strings.TrimLeft(relative, "/\\")
	if relative == "" || strings.Contains(relative, "..") {
		writeValidationError(w, "invalid path", nil)
		return
	}
	filename := filepath.Base(relative)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		writeValidationError(w, "invalid filename", nil)
		return
	}

	target := filepath.Join(workspace, filepath.FromSlash(relative))
	if !withinDir(workspace, target) {
		writeValidationError(w, "invalid path", nil)
		return
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		writeAPIError(w, fmt.Errorf("create upload directory: %w", err))
		return
	}
	s.chownUploadParents(workspace, target)

	size, err := writeUploadedFile(target, file)
	if err != nil {
		s.logger.Error("upload failed", "session_id", shortSID(sid), "file", filename, "error", err)
		writeAPIError(w, err)
		return
	}
	if err := os.Chown(target, workspaceUID, workspaceGID); err != nil {
		s.logger.Warn("chown uploaded file", "file", filename, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filename":  filename,
		"path":      relative,
		"size":      size,
		"full_path": path.Join(docker.WorkspaceTarget, filepath.ToSlash(relative)),
	})
}

func writeUploadedFile(target string, src io.Reader) (int64, error) {
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer dst.Close()
	size, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("write file: %w", err)
	}
	return size, nil
}

// chownUploadParents hands the created intermediate directories to the
// container user, stopping at the workspace root.
func (s *Server) chownUploadParents(workspace, target string) {
	for dir := filepath.Dir(target); withinDir(workspace, dir) && dir != workspace; dir = filepath.Dir(dir) {
		if err := os.Chmod(dir, 0o755); err != nil {
			continue
		}
		if err := os.Chown(dir, workspaceUID, workspaceGID); err != nil {
			s.logger.Warn("chown upload directory", "dir", dir, "error", err)
		}
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	workspace, ok := s.workspaceFor(w, r.PathValue("sid"))
	if !ok {
		return
	}

	entries, err := os.ReadDir(workspace)
	if err != nil {
		writeAPIError(w, fmt.Errorf("read workspace: %w", err))
		return
	}

	files := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{
			Name:     entry.Name(),
			Size:     info.Size(),
			IsDir:    entry.IsDir(),
			Modified: info.ModTime().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	workspace, ok := s.workspaceFor(w, r.PathValue("sid"))
	if !ok {
		return
	}

	clean := cleanWorkspacePath(r.URL.Query().Get("path"))
	target := workspace
	if clean != "" {
		target = filepath.Join(workspace, filepath.FromSlash(clean))
	}
	if !withinDir(workspace, target) {
		writeValidationError(w, "invalid path", nil)
		return
	}

	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		writeJSON(w, http.StatusNotFound, APIError{Code: ErrCodeInvalidRequest, Message: "path not found"})
		return
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if !info.IsDir() {
		writeValidationError(w, "path is not a directory", nil)
		return
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		writeForbiddenError(w, "permission denied")
		return
	}
	// Directories first, then case-insensitive by name.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	files := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		size := info.Size()
		if entry.IsDir() {
			size = dirSize(filepath.Join(target, entry.Name()))
		}
		files = append(files, fileEntry{
			Name:     entry.Name(),
			Size:     size,
			IsDir:    entry.IsDir(),
			Modified: info.ModTime().Format(time.RFC3339),
		})
	}

	var parent any
	if clean != "" {
		parent = path.Dir(clean)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   clean,
		"files":  files,
		"parent": parent,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	workspace, ok := s.workspaceFor(w, r.PathValue("sid"))
	if !ok {
		return
	}

	clean := cleanWorkspacePath(r.URL.Query().Get("path"))
	if clean == "" {
		writeValidationError(w, "path required", nil)
		return
	}
	target := filepath.Join(workspace, filepath.FromSlash(clean))
	if !withinDir(workspace, target) {
		writeValidationError(w, "invalid path", nil)
		return
	}

	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		writeJSON(w, http.StatusNotFound, APIError{Code: ErrCodeInvalidRequest, Message: "file not found"})
		return
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if info.IsDir() {
		writeValidationError(w, "use download-archive for directories", nil)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(target)))
	http.ServeFile(w, r, target)
}

// handleDownloadArchive streams a directory as a tar.gz, preserving Unix
// file modes.
func (s *Server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	workspace, ok := s.workspaceFor(w, sid)
	if !ok {
		return
	}

	clean := cleanWorkspacePath(r.URL.Query().Get("path"))
	target := workspace
	archiveName := "workspace-" + shortLabel(sid)
	if clean != "" {
		target = filepath.Join(workspace, filepath.FromSlash(clean))
		archiveName = filepath.Base(target)
	}
	if !withinDir(workspace, target) {
		writeValidationError(w, "invalid path", nil)
		return
	}

	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		writeJSON(w, http.StatusNotFound, APIError{Code: ErrCodeInvalidRequest, Message: "path not found"})
		return
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if !info.IsDir() {
		writeValidationError(w, "path is not a directory", nil)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archiveName+".tar.gz"))

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	err = filepath.WalkDir(target, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(target, p)
		if err != nil {
			return nil
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    int64(info.Mode().Perm()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			s.logger.Warn("archive: skipping file", "file", p, "error", err)
			return nil
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		// Headers are out; all we can do is cut the stream short.
		s.logger.Error("archive stream failed", "session_id", shortSID(sid), "error", err)
	}
	tw.Close()
	gz.Close()
}

// withinDir reports whether target stays inside root after lexical
// cleaning.
func withinDir(root, target string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
