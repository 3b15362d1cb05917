package auth

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

const (
	defaultSearchFilter      = "(uid={username})"
	defaultGroupSearchFilter = "(&(objectClass=groupOfNames)(member={user_dn}))"
	defaultLDAPTimeout       = 10 * time.Second
)

// ldapConn is the slice of *ldap.Conn the authenticator uses. Tests swap in
// a fake through the dial func.
type ldapConn interface {
	Bind(dn, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLS(cfg *tls.Config) error
	Close() error
}

type ldapDialFunc func(cfg *LDAPConfig) (ldapConn, error)

func dialLDAP(cfg *LDAPConfig) (ldapConn, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLSVerify != nil && !*cfg.TLSVerify}
	conn, err := ldap.DialURL(cfg.ServerURL, ldap.DialWithTLSConfig(tlsCfg))
	if err != nil {
		return nil, fmt.Errorf("dial ldap %s: %w", cfg.ServerURL, err)
	}
	timeout := defaultLDAPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	conn.SetTimeout(timeout)
	if cfg.UseStartTLS && !strings.HasPrefix(cfg.ServerURL, "ldaps://") {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return conn, nil
}

// ldapAuthenticate runs the bind-search-rebind flow: bind as the service
// account, resolve the user's DN, optionally verify group membership, then
// bind again as the user with the submitted password.
func (m *Manager) ldapAuthenticate(username, password string) (bool, error) {
	cfg := m.cfg.LDAP

	conn, err := m.dial(cfg)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		return false, fmt.Errorf("service account bind: %w", err)
	}

	filter := cfg.SearchFilter
	if filter == "" {
		filter = defaultSearchFilter
	}
	filter = strings.ReplaceAll(filter, "{username}", ldap.EscapeFilter(username))

	result, err := conn.Search(ldap.NewSearchRequest(
		cfg.SearchBase,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		filter,
		[]string{"dn"},
		nil,
	))
	if err != nil {
		return false, fmt.Errorf("user search: %w", err)
	}
	if len(result.Entries) == 0 {
		m.logger.Info("ldap user not found", "user", username)
		return false, nil
	}
	userDN := result.Entries[0].DN

	if cfg.RequiredGroupDN != "" {
		ok, err := m.ldapGroupCheck(conn, userDN)
		if err != nil {
			return false, err
		}
		if !ok {
			m.logger.Info("ldap user not in required group",
				"user", username, "group", cfg.RequiredGroupDN)
			return false, nil
		}
	}

	// Fresh connection for the user bind so a failed bind cannot poison the
	// service connection.
	userConn, err := m.dial(cfg)
	if err != nil {
		return false, err
	}
	defer userConn.Close()

	if err := userConn.Bind(userDN, password); err != nil {
		m.logger.Info("ldap authentication failed", "user", username)
		return false, nil
	}
	m.logger.Info("ldap authentication successful", "user", username)
	return true, nil
}

func (m *Manager) ldapGroupCheck(conn ldapConn, userDN string) (bool, error) {
	cfg := m.cfg.LDAP
	base := cfg.GroupSearchBase
	if base == "" {
		base = cfg.SearchBase
	}
	filter := cfg.GroupSearchFilter
	if filter == "" {
		filter = defaultGroupSearchFilter
	}
	filter = strings.ReplaceAll(filter, "{user_dn}", ldap.EscapeFilter(userDN))

	result, err := conn.Search(ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		filter,
		[]string{"dn"},
		nil,
	))
	if err != nil {
		return false, fmt.Errorf("group search: %w", err)
	}
	return len(result.Entries) > 0, nil
}
