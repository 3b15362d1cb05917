// Package reconciler runs the broker's background sweeps: session drift
// repair, login-session purging and polling-transport reaping.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vibeterm/broker/internal/docker"
	"github.com/vibeterm/broker/internal/session"
)

type Reconciler struct {
	sessions   Sessions
	runtime    Runtime
	owners     Owners
	auth       AuthSessions
	transports Transports
	logger     *slog.Logger

	driftInterval     time.Duration
	authInterval      time.Duration
	transportInterval time.Duration
	pollIdleTimeout   time.Duration
}

func New(sessions Sessions, rt Runtime, owners Owners, auth AuthSessions, transports Transports,
	driftInterval, authInterval, transportInterval, pollIdleTimeout time.Duration,
	logger *slog.Logger) *Reconciler {
	return &Reconciler{
		sessions:          sessions,
		runtime:           rt,
		owners:            owners,
		auth:              auth,
		transports:        transports,
		logger:            logger,
		driftInterval:     driftInterval,
		authInterval:      authInterval,
		transportInterval: transportInterval,
		pollIdleTimeout:   pollIdleTimeout,
	}
}

// Run blocks until ctx is cancelled. Each sweep logs and swallows its own
// failures; one bad sweep never stops the others.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started",
		"drift_interval", r.driftInterval,
		"auth_interval", r.authInterval,
		"transport_interval", r.transportInterval)

	drift := time.NewTicker(r.driftInterval)
	defer drift.Stop()
	auth := time.NewTicker(r.authInterval)
	defer auth.Stop()
	transports := time.NewTicker(r.transportInterval)
	defer transports.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-drift.C:
			r.SweepDrift(ctx)
		case <-auth.C:
			r.PurgeAuthSessions()
		case <-transports.C:
			r.ReapTransports()
		}
	}
}

// SweepDrift repairs divergence between the session table, the ownership
// map and what the container runtime actually has.
func (r *Reconciler) SweepDrift(ctx context.Context) {
	for _, s := range r.sessions.List() {
		if s.State() != session.Ready {
			continue
		}
		details, err := r.runtime.InspectContainer(ctx, s.ContainerName)
		if errors.Is(err, docker.ErrNotFound) {
			r.logger.Warn("drift: container missing, deleting session",
				"session_id", s.ID)
			r.forceDelete(ctx, s.ID)
			continue
		}
		if err != nil {
			// Daemon hiccup, not drift. The container may be fine; leave the
			// session for the next sweep.
			r.logger.Warn("drift: inspect failed, skipping session",
				"session_id", s.ID, "error", err)
			continue
		}
		if details.Status == "running" {
			continue
		}

		r.logger.Warn("drift: container not running, restarting",
			"session_id", s.ID, "status", details.Status)
		if err := r.runtime.StartContainer(ctx, s.ContainerName); err != nil {
			r.logger.Error("drift: restart failed, deleting session",
				"session_id", s.ID, "error", err)
			r.forceDelete(ctx, s.ID)
		}
	}

	// Ownership rows without a session: drop only when the runtime confirms
	// there is no container. A container that still exists may be picked up
	// by the next recovery.
	for _, sid := range r.owners.AllSessionIDs() {
		if r.sessions.Get(sid) != nil {
			continue
		}
		_, err := r.runtime.InspectContainer(ctx, docker.ContainerName(sid))
		if errors.Is(err, docker.ErrNotFound) {
			r.logger.Info("drift: pruning orphaned ownership", "session_id", sid)
			if err := r.owners.Remove(sid); err != nil {
				r.logger.Error("drift: prune ownership", "session_id", sid, "error", err)
			}
		}
	}
}

func (r *Reconciler) forceDelete(ctx context.Context, sessionID string) {
	r.sessions.Delete(ctx, sessionID, true)
	if err := r.owners.Remove(sessionID); err != nil {
		r.logger.Error("drift: remove ownership", "session_id", sessionID, "error", err)
	}
}

func (r *Reconciler) PurgeAuthSessions() {
	if n := r.auth.PurgeExpired(); n > 0 {
		r.logger.Info("purged expired login sessions", "count", n)
	}
}

func (r *Reconciler) ReapTransports() {
	if n := r.transports.ReapStale(r.pollIdleTimeout); n > 0 {
		r.logger.Info("reaped stale polling transports", "count", n)
	}
}
