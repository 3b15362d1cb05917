package auth

import (
	"strings"
	"time"
)

const (
	rateLimitWindow = 15 * time.Minute
	rateLimitMax    = 50
)

// RateLimiter tracks failed logins per principal and per client address
// over a sliding window. Either key at the cap blocks the attempt; a
// successful login clears both.
//
// Not safe for concurrent use on its own; the login handler serializes
// access behind its own lock.
type RateLimiter struct {
	window   time.Duration
	limit    int
	failures map[string][]time.Time
	now      func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		window:   rateLimitWindow,
		limit:    rateLimitMax,
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

func userKey(principal string) string { return "user:" + strings.ToLower(principal) }
func ipKey(addr string) string        { return "ip:" + addr }

// RecordFailure notes a failed attempt under both keys.
func (rl *RateLimiter) RecordFailure(principal, addr string) {
	now := rl.now()
	for _, key := range []string{userKey(principal), ipKey(addr)} {
		rl.failures[key] = append(rl.prune(key, now), now)
	}
}

// IsBlocked reports whether either key has reached the cap inside the
// window.
func (rl *RateLimiter) IsBlocked(principal, addr string) bool {
	now := rl.now()
	for _, key := range []string{userKey(principal), ipKey(addr)} {
		recent := rl.prune(key, now)
		rl.failures[key] = recent
		if len(recent) >= rl.limit {
			return true
		}
	}
	return false
}

// Reset clears both keys after a successful login.
func (rl *RateLimiter) Reset(principal, addr string) {
	delete(rl.failures, userKey(principal))
	delete(rl.failures, ipKey(addr))
}

func (rl *RateLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	stamps := rl.failures[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// ClientAddr derives the rate-limit address for a request: the first
// element of X-Forwarded-For when present, else the direct peer address.
func ClientAddr(remoteAddr, forwardedFor string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return remoteAddr
}
