package api

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidSessionID(t *testing.T) {
	assert.True(t, validSessionID(sidAlice))
	assert.True(t, validSessionID("abcdefghijklmnop"))

	assert.False(t, validSessionID(""))
	assert.False(t, validSessionID("short"))
	assert.False(t, validSessionID("has spaces in the middle"))
	assert.False(t, validSessionID("slash/injection-attempt"))
	assert.False(t, validSessionID("dotdot..traversal-attempt"))
}

func TestNewSessionID(t *testing.T) {
	first, err := newSessionID()
	require.NoError(t, err)
	second, err := newSessionID()
	require.NoError(t, err)

	assert.Len(t, first, 86)
	assert.NotEqual(t, first, second)
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9_-]+$`), first)
	assert.True(t, validSessionID(first))
}

func TestSafeRedirect(t *testing.T) {
	assert.True(t, safeRedirect("/"))
	assert.True(t, safeRedirect("/my/sessions"))
	assert.True(t, safeRedirect("/terminal/abc?x=1"))

	assert.False(t, safeRedirect(""))
	assert.False(t, safeRedirect("https://evil.example/"))
	assert.False(t, safeRedirect("//evil.example/"))
	assert.False(t, safeRedirect("relative/path"))
	assert.False(t, safeRedirect("javascript:alert(1)"))
}

func TestCleanWorkspacePath(t *testing.T) {
	assert.Equal(t, "a/b", cleanWorkspacePath("/a/b/"))
	assert.Equal(t, "a/b", cleanWorkspacePath("a/b"))
	assert.Equal(t, "", cleanWorkspacePath(""))
	assert.NotContains(t, cleanWorkspacePath("../../etc"), "..")
}
