// Package auth implements login authentication for the broker: local users
// with bcrypt hashes, optional LDAP, and durable login sessions.
//
// When the auth config file does not exist, authentication is disabled and
// the broker must only listen on loopback. The startup sequence enforces
// that; this package just reports Enabled.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// CookieName carries the login session token.
const CookieName = "vibe_session"

// Anonymous is the principal used for every request when authentication is
// disabled.
const Anonymous = "__anonymous__"

const defaultSessionTimeoutHours = 24

// Config mirrors auth.yaml.
type Config struct {
	SessionTimeoutHours int                  `yaml:"session_timeout_hours"`
	Users               map[string]UserEntry `yaml:"users"`
	AdminUsers          []string             `yaml:"admin_users"`
	LDAP                *LDAPConfig          `yaml:"ldap"`
}

type UserEntry struct {
	PasswordHash string `yaml:"password_hash"`
	Admin        bool   `yaml:"admin"`
}

// LDAPConfig configures the bind-search-rebind flow.
type LDAPConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServerURL         string `yaml:"server_url"`
	BindDN            string `yaml:"bind_dn"`
	BindPassword      string `yaml:"bind_password"`
	SearchBase        string `yaml:"search_base"`
	SearchFilter      string `yaml:"search_filter"`
	RequiredGroupDN   string `yaml:"required_group_dn"`
	GroupSearchBase   string `yaml:"group_search_base"`
	GroupSearchFilter string `yaml:"group_search_filter"`
	UseStartTLS       bool   `yaml:"use_starttls"`
	TLSVerify         *bool  `yaml:"tls_verify"`
	TimeoutSeconds    int    `yaml:"timeout"`
}

// Manager authenticates principals and owns the login session store.
// The zero value is unusable; construct with New.
type Manager struct {
	enabled bool
	cfg     Config
	ttl     time.Duration
	store   *SessionStore
	logger  *slog.Logger

	// dial is swapped out in tests.
	dial ldapDialFunc
}

// New builds a Manager from auth.yaml at configPath. A missing file is not
// an error: it yields a disabled manager and no session store is opened.
func New(configPath, dbPath string, logger *slog.Logger) (*Manager, error) {
	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			logger.Info("auth config not found, authentication disabled", "path", configPath)
			return &Manager{enabled: false, logger: logger}, nil
		}
		return nil, fmt.Errorf("stat auth config: %w", err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read auth config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse auth config: %w", err)
	}
	if cfg.SessionTimeoutHours <= 0 {
		cfg.SessionTimeoutHours = defaultSessionTimeoutHours
	}

	store, err := NewSessionStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	m := &Manager{
		enabled: true,
		cfg:     cfg,
		ttl:     time.Duration(cfg.SessionTimeoutHours) * time.Hour,
		store:   store,
		logger:  logger,
		dial:    dialLDAP,
	}
	logger.Info("authentication enabled",
		"local_users", len(cfg.Users),
		"ldap", cfg.LDAP != nil && cfg.LDAP.Enabled)
	return m, nil
}

func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

func (m *Manager) Enabled() bool { return m.enabled }

func (m *Manager) SessionTTL() time.Duration { return m.ttl }

// Authenticate checks local users first, then LDAP. It never reveals which
// step rejected the credentials.
func (m *Manager) Authenticate(username, password string) bool {
	if !m.enabled || username == "" || password == "" {
		return false
	}

	if entry, ok := m.cfg.Users[username]; ok {
		err := bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), []byte(password))
		if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			m.logger.Warn("invalid password hash for local user", "user", username)
		}
		return err == nil
	}

	if m.cfg.LDAP != nil && m.cfg.LDAP.Enabled {
		ok, err := m.ldapAuthenticate(username, password)
		if err != nil {
			m.logger.Error("ldap authentication error", "user", username, "error", err)
			return false
		}
		return ok
	}

	return false
}

// IsAdmin reports whether the principal may use the admin endpoints. With
// authentication disabled the broker is loopback-only and every caller is
// trusted.
func (m *Manager) IsAdmin(principal string) bool {
	if !m.enabled {
		return true
	}
	if entry, ok := m.cfg.Users[principal]; ok && entry.Admin {
		return true
	}
	for _, name := range m.cfg.AdminUsers {
		if strings.EqualFold(name, principal) {
			return true
		}
	}
	return false
}

// CreateSession issues an opaque 256-bit token and persists it.
func (m *Manager) CreateSession(username string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	if err := m.store.Insert(token, username, time.Now()); err != nil {
		return "", err
	}
	m.logger.Info("login session created", "user", username)
	return token, nil
}

// Validate resolves a token to its principal. Expired tokens are removed on
// the spot.
func (m *Manager) Validate(token string) (string, bool) {
	if !m.enabled || token == "" {
		return "", false
	}
	username, createdAt, ok, err := m.store.Lookup(token)
	if err != nil {
		m.logger.Error("session lookup failed", "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	if time.Since(createdAt) > m.ttl {
		if err := m.store.Delete(token); err != nil {
			m.logger.Warn("expired session delete failed", "error", err)
		}
		return "", false
	}
	return username, true
}

// DestroySession removes a token (logout). Unknown tokens are a no-op.
func (m *Manager) DestroySession(token string) {
	if !m.enabled || token == "" {
		return
	}
	if err := m.store.Delete(token); err != nil {
		m.logger.Warn("session delete failed", "error", err)
	}
}

// PurgeExpired removes all sessions past the TTL and returns the count.
func (m *Manager) PurgeExpired() int {
	if !m.enabled {
		return 0
	}
	n, err := m.store.DeleteOlderThan(time.Now().Add(-m.ttl))
	if err != nil {
		m.logger.Error("session purge failed", "error", err)
		return 0
	}
	return n
}
