// Package claim implements the Claim Manager: the state machine that binds
// a generic worker to exactly one (project, user) pair at a time.
//
//	UNCLAIMED -> CLAIM_ATTEMPT -> OWNED -> RELEASING
//
// An unclaimed worker long-polls the cluster-wide unclaimed queue; a
// conditional write to the Ownership table decides the claim race. While
// OWNED, the manager supervises the Work Pump and Preemption Listener and
// refreshes the lease on a schedule strictly shorter than its duration; a
// conditional refresh failure means the lease was lost and both loops are
// torn down with their in-flight work aborted.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/webordinary/editworker/internal/queue"
	"github.com/webordinary/editworker/internal/retrypolicy"
	"github.com/webordinary/editworker/internal/store"
)

// Claims is the conditional-write slice of the state store the manager
// needs. *store.Store satisfies it.
type Claims interface {
	TryClaim(project, user, workerID string, leaseDuration time.Duration) error
	Refresh(project, user, workerID string, leaseDuration time.Duration) error
	Release(project, user, workerID string) error
}

// OwnedLoops are the consumer loops run while a claim is held. Each must
// return promptly once its context is cancelled; a non-nil error is treated
// as fatal to the claim and surrenders ownership.
type OwnedLoops struct {
	Pump     func(ctx context.Context) error
	Listener func(ctx context.Context) error
}

// Config holds a Manager's dependencies and timing parameters.
type Config struct {
	WorkerID string

	Unclaimed queue.UnclaimedQueue
	Claims    Claims

	// NewOwned builds the pump and listener for a freshly claimed owner.
	NewOwned func(req queue.ClaimRequest) (OwnedLoops, error)

	LeaseDuration      time.Duration
	LeaseRefreshPeriod time.Duration
	PollTimeout        time.Duration

	// ReclaimBackoff is slept through progressively after a lost lease or
	// lost claim race before the next unclaimed-queue poll.
	ReclaimBackoff []time.Duration

	Logger *slog.Logger
}

// Manager runs the claim state machine for one worker process.
type Manager struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Manager.
func New(cfg Config) *Manager {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = time.Minute
	}
	if cfg.LeaseRefreshPeriod <= 0 {
		cfg.LeaseRefreshPeriod = cfg.LeaseDuration / 3
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 20 * time.Second
	}
	if len(cfg.ReclaimBackoff) == 0 {
		cfg.ReclaimBackoff = retrypolicy.DefaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

var errLeaseLost = errors.New("ownership lease lost")

// Run drives the state machine until ctx is cancelled, then releases any
// held claim and returns nil.
func (m *Manager) Run(ctx context.Context) error {
	backoffIdx := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		req, receipt, ok, err := m.cfg.Unclaimed.Poll(ctx, m.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("polling unclaimed queue", "error", err)
			m.sleep(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}

		if err := m.cfg.Claims.TryClaim(req.Project, req.User, m.cfg.WorkerID, m.cfg.LeaseDuration); err != nil {
			// Lost the race (or a transient table error): the request goes
			// back for another worker to try.
			if rerr := m.cfg.Unclaimed.Return(ctx, receipt); rerr != nil {
				m.logger.Error("returning claim request", "error", rerr)
			}
			if !errors.Is(err, store.ErrLeaseHeld) {
				m.logger.Warn("claim attempt", "project", req.Project, "user", req.User, "error", err)
			}
			m.sleep(ctx, m.backoff(&backoffIdx))
			continue
		}
		if err := m.cfg.Unclaimed.Delete(ctx, receipt); err != nil {
			m.logger.Error("deleting claimed request", "error", err)
		}
		backoffIdx = 0
		m.logger.Info("claim acquired",
			"project", req.Project, "user", req.User, "worker_id", m.cfg.WorkerID)

		leaseLost := m.owned(ctx, req)
		if leaseLost {
			// Back off before chasing another claim for a key this worker
			// just lost.
			m.sleep(ctx, m.backoff(&backoffIdx))
		}
	}
}

// owned supervises the pump, listener, and lease refresh for one claim. It
// returns true when the claim ended because the lease was lost (in which
// case the Ownership record belongs to someone else and is not deleted).
func (m *Manager) owned(ctx context.Context, req queue.ClaimRequest) (leaseLost bool) {
	loops, err := m.cfg.NewOwned(req)
	if err != nil {
		m.logger.Error("building owned loops; releasing claim",
			"project", req.Project, "user", req.User, "error", err)
		m.release(req)
		return false
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loops.Pump(gctx) })
	g.Go(func() error { return loops.Listener(gctx) })
	g.Go(func() error { return m.refreshLoop(gctx, req) })

	err = g.Wait()
	switch {
	case errors.Is(err, errLeaseLost):
		m.logger.Warn("lease lost; claim surrendered without release",
			"project", req.Project, "user", req.User)
		return true
	case err != nil:
		m.logger.Error("owned loops failed; releasing claim",
			"project", req.Project, "user", req.User, "error", err)
	default:
		m.logger.Info("releasing claim", "project", req.Project, "user", req.User)
	}
	m.release(req)
	return false
}

func (m *Manager) release(req queue.ClaimRequest) {
	if err := m.cfg.Claims.Release(req.Project, req.User, m.cfg.WorkerID); err != nil {
		m.logger.Error("releasing ownership record",
			"project", req.Project, "user", req.User, "error", err)
	}
}

// refreshLoop extends the lease on a schedule strictly shorter than its
// duration. A conditional failure means another worker owns the key now;
// returning errLeaseLost cancels the group, which aborts the in-flight
// pipeline and stops both pumps. Transient store errors are tolerated: the
// lease expiry itself is the backstop.
func (m *Manager) refreshLoop(ctx context.Context, req queue.ClaimRequest) error {
	ticker := time.NewTicker(m.cfg.LeaseRefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := m.cfg.Claims.Refresh(req.Project, req.User, m.cfg.WorkerID, m.cfg.LeaseDuration)
			if errors.Is(err, store.ErrNotOwner) {
				return fmt.Errorf("refreshing %s/%s: %w", req.Project, req.User, errLeaseLost)
			}
			if err != nil {
				m.logger.Warn("lease refresh", "project", req.Project, "user", req.User, "error", err)
			}
		}
	}
}

func (m *Manager) backoff(idx *int) time.Duration {
	d := m.cfg.ReclaimBackoff[min(*idx, len(m.cfg.ReclaimBackoff)-1)]
	*idx++
	return d
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
