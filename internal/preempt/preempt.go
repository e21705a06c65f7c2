// Package preempt implements the Preemption Listener: an independent
// consumer of the owner's interrupt channel that cancels in-flight work when
// a strictly newer instruction arrives for the same (project, user).
//
// The interrupt channel is deliberately separate from the work queue: the
// work queue is FIFO and head-of-line-blocked by the in-flight message, so
// an interrupt sent through it could never overtake the work it needs to
// cancel.
package preempt

import (
	"context"
	"log/slog"
	"time"

	"github.com/webordinary/editworker/internal/queue"
	"github.com/webordinary/editworker/internal/store"
)

// Preempter is the slice of the Work Pump the listener drives. *pump.Pump
// satisfies it.
type Preempter interface {
	// Current returns the message currently being processed, if any.
	Current() (queue.WorkMessage, bool)
	// Preempt aborts the in-flight pipeline and finalizes it as preempted.
	// Returns false when nothing is in flight.
	Preempt(ctx context.Context) bool
}

// JobLookup is the fallback for matching interrupts when the in-memory
// ActiveJob is not cached. *store.Store satisfies it.
type JobLookup interface {
	GetActiveJob(project, user string) (store.ActiveJob, bool, error)
}

// Config holds a Listener's dependencies.
type Config struct {
	Project string
	User    string

	Queue queue.InterruptQueue
	Pump  Preempter
	Jobs  JobLookup

	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Listener consumes the owned interrupt queue alongside the Work Pump. It
// never writes the Workspace itself; all post-abort Workspace mutation is
// the Workflow Runner's own cleanup, preserving the single-writer invariant.
type Listener struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Listener.
func New(cfg Config) *Listener {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{cfg: cfg, logger: logger}
}

// Run polls the interrupt queue until ctx is cancelled. Always returns nil;
// interrupt handling failures are logged, never fatal to the claim.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, receipt, ok, err := l.cfg.Queue.Poll(ctx, l.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("polling interrupt queue", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}

		l.handle(ctx, msg)

		// The interrupt is consumed whether it matched or was stale; a
		// duplicate for an already-completed instruction is a no-op because
		// the match below fails once the ActiveJob is gone.
		if err := l.cfg.Queue.Delete(ctx, receipt); err != nil {
			l.logger.Error("deleting interrupt message", "error", err)
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg queue.InterruptMessage) {
	if !l.matches(msg) {
		l.logger.Info("stale interrupt ignored",
			"old_message_id", msg.OldMessageID, "new_message_id", msg.NewMessageID)
		return
	}

	l.logger.Info("interrupt matched in-flight instruction; preempting",
		"old_message_id", msg.OldMessageID, "new_message_id", msg.NewMessageID)
	if !l.cfg.Pump.Preempt(ctx) {
		// The pipeline settled between the match and the abort. The
		// superseded instruction already reached a terminal outcome, so
		// there is nothing left to cancel.
		l.logger.Info("in-flight instruction settled before preemption",
			"old_message_id", msg.OldMessageID)
	}
}

// matches reports whether the interrupt names the instruction currently in
// flight for this owner. The in-memory ActiveJob is consulted first, the
// stored record as fallback.
func (l *Listener) matches(msg queue.InterruptMessage) bool {
	if msg.ProjectID != l.cfg.Project || msg.UserID != l.cfg.User {
		return false
	}
	if current, ok := l.cfg.Pump.Current(); ok {
		return current.MessageID == msg.OldMessageID
	}
	job, ok, err := l.cfg.Jobs.GetActiveJob(l.cfg.Project, l.cfg.User)
	if err != nil {
		l.logger.Warn("loading active job for interrupt match", "error", err)
		return false
	}
	return ok && job.MessageID == msg.OldMessageID
}
