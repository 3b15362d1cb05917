package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeterm/broker/internal/session"
)

// newFilesServer wires a session whose workspace is a real temp directory.
func newFilesServer(t *testing.T) (*testServer, string) {
	t.Helper()
	ts := newTestServer(t, newFakeAuth(false))
	require.NoError(t, ts.owners.Assign(sidAlice, "__anonymous__"))

	workspace := t.TempDir()
	s := session.Restore(sidAlice, "ctr-alic", "vibe-session-alice-sessi", 17000, workspace, time.Now())
	ts.sessions.On("Get", sidAlice).Return(s)
	return ts, workspace
}

func uploadRequest(t *testing.T, target, fieldPath, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if fieldPath != "" {
		require.NoError(t, mw.WriteField("path", fieldPath))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	ts, workspace := newFilesServer(t)

	req := uploadRequest(t, "/session/"+sidAlice+"/upload", "", "notes.txt", "hello")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "notes.txt", body["filename"])
	assert.Equal(t, float64(5), body["size"])
	assert.Equal(t, "/home/vibe/workspace/notes.txt", body["full_path"])

	data, err := os.ReadFile(filepath.Join(workspace, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestUploadNestedPath(t *testing.T) {
	ts, workspace := newFilesServer(t)

	req := uploadRequest(t, "/session/"+sidAlice+"/upload", "src/pkg/main.go", "main.go", "package main")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data, err := os.ReadFile(filepath.Join(workspace, "src", "pkg", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))
}

func TestUploadRejectsTraversal(t *testing.T) {
	ts, workspace := newFilesServer(t)

	for _, bad := range []string{"../escape.txt", "a/../../escape.txt"} {
		req := uploadRequest(t, "/session/"+sidAlice+"/upload", bad, "escape.txt", "x")
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
	_, err := os.Stat(filepath.Join(filepath.Dir(workspace), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadMissingFileField(t *testing.T) {
	ts, _ := newFilesServer(t)

	rec := ts.do(http.MethodPost, "/session/"+sidAlice+"/upload", "not-multipart", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListFiles(t *testing.T) {
	ts, workspace := newFilesServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("aa"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(workspace, "dir"), 0o755))

	rec := ts.do(http.MethodGet, "/session/"+sidAlice+"/files", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Files []fileEntry `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Files, 2)
}

func TestBrowseSortsDirectoriesFirst(t *testing.T) {
	ts, workspace := newFilesServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "aaa.txt"), []byte("aa"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(workspace, "zzz"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "zzz", "inner.txt"), []byte("abc"), 0o644))

	rec := ts.do(http.MethodGet, "/session/"+sidAlice+"/browse", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Path   string      `json:"path"`
		Files  []fileEntry `json:"files"`
		Parent any         `json:"parent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Files, 2)
	assert.Equal(t, "zzz", body.Files[0].Name)
	assert.True(t, body.Files[0].IsDir)
	assert.Equal(t, int64(3), body.Files[0].Size)
	assert.Equal(t, "aaa.txt", body.Files[1].Name)
	assert.Nil(t, body.Parent)
}

func TestBrowseSubdirectoryReportsParent(t *testing.T) {
	ts, workspace := newFilesServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "a", "b"), 0o755))

	rec := ts.do(http.MethodGet, "/session/"+sidAlice+"/browse?path=a/b", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "a/b", body["path"])
	assert.Equal(t, "a", body["parent"])
}

func TestBrowseMissingPath(t *testing.T) {
	ts, _ := newFilesServer(t)

	rec := ts.do(http.MethodGet, "/session/"+sidAlice+"/browse?path=nope", "", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownload(t *testing.T) {
	ts, workspace := newFilesServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "out.log"), []byte("log line\n"), 0o644))

	rec := ts.do(http.MethodGet, "/session/"+sidAlice+"/download?path=out.log", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "log line\n", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `"out.log"`)
}

func TestDownloadRefusesDirectory(t *testing.T) {
	ts, workspace := newFilesServer(t)
	require.NoError(t, os.Mkdir(filepath.Join(workspace, "dir"), 0o755))

	rec := ts.do(http.MethodGet, "/session/"+sidAlice+"/download?path=dir", "", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadArchive(t *testing.T) {
	ts, workspace := newFilesServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "proj"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "proj", "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "proj", "readme"), []byte("docs"), 0o644))

	rec := ts.do(http.MethodGet, "/session/"+sidAlice+"/download-archive?path=proj", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `"proj.tar.gz"`)

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	got := map[string]int64{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got[hdr.Name] = hdr.Mode
		_, err = io.Copy(io.Discard, tr)
		require.NoError(t, err)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(0o755), got["run.sh"])
	assert.Equal(t, int64(0o644), got["readme"])
}

func TestWithinDir(t *testing.T) {
	assert.True(t, withinDir("/ws", "/ws"))
	assert.True(t, withinDir("/ws", "/ws/a/b"))
	assert.False(t, withinDir("/ws", "/ws/../etc"))
	assert.False(t, withinDir("/ws", "/etc/passwd"))
}
