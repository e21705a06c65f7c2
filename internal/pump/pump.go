// Package pump drives the Workflow Runner from the owned work queue,
// one message at a time, enforcing correct message lifetime: ActiveJob
// bookkeeping, visibility extension and orchestrator heartbeats during long
// pipelines, and exactly-once terminal handling even when the preemption
// listener and the pump both observe the same preempted run.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webordinary/editworker/internal/callback"
	"github.com/webordinary/editworker/internal/gitengine"
	"github.com/webordinary/editworker/internal/queue"
	"github.com/webordinary/editworker/internal/store"
	"github.com/webordinary/editworker/internal/workflow"
)

// Runner is the seam to the Workflow Runner. *workflow.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, msg queue.WorkMessage) workflow.Result
	Abort()
}

// JobStore is the slice of the state store the pump needs. *store.Store
// satisfies it.
type JobStore interface {
	PutActiveJob(project, user string, job store.ActiveJob) error
	DeleteActiveJob(project, user string) error
}

// Config holds a Pump's dependencies and timing parameters.
type Config struct {
	Project  string
	User     string
	WorkerID string

	Queue   queue.WorkQueue
	Jobs    JobStore
	Gateway *callback.Gateway
	Runner  Runner

	// HeartbeatPeriod is the interval between orchestrator heartbeats for
	// the active task token; it must be shorter than the orchestrator's
	// heartbeat timeout.
	HeartbeatPeriod time.Duration

	// HeartbeatFailureThreshold is the number of consecutive heartbeat
	// failures after which the job is treated as failed with reason
	// HEARTBEAT_LOST and visibility extension stops.
	HeartbeatFailureThreshold int

	// VisibilityExtendPeriod is the interval between visibility extensions;
	// it must be shorter than the queue's visibility timeout.
	VisibilityExtendPeriod time.Duration

	// VisibilityTimeout is the window each extension grants.
	VisibilityTimeout time.Duration

	// JobTTL is the safety-net expiry written on each ActiveJob record.
	JobTTL time.Duration

	// SettleWait bounds how long Preempt waits for an aborted pipeline to
	// settle before finalizing anyway.
	SettleWait time.Duration

	PollTimeout time.Duration

	Logger *slog.Logger
}

// Pump is the single-threaded consumer loop for one owned (project,user)
// work queue. It is the exclusive writer of the Workspace while it owns a
// message.
type Pump struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	current *inFlight
}

// inFlight tracks the message currently being processed. Its receipt is
// recorded before the ActiveJob record is written, so a preemption lookup
// either sees nothing (and no-ops) or sees a job it can fully finalize.
type inFlight struct {
	msg     queue.WorkMessage
	receipt string

	settled chan struct{} // closed when the pipeline run returns
	result  workflow.Result

	finalize sync.Once
}

// New builds a Pump.
func New(cfg Config) *Pump {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 20 * time.Second
	}
	if cfg.HeartbeatFailureThreshold <= 0 {
		cfg.HeartbeatFailureThreshold = 3
	}
	if cfg.VisibilityExtendPeriod <= 0 {
		cfg.VisibilityExtendPeriod = 30 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 3 * cfg.VisibilityExtendPeriod
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 15 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{cfg: cfg, logger: logger}
}

// Validate rejects messages that cannot be processed. Rejection is terminal:
// a malformed message is deleted, never retried.
func Validate(msg queue.WorkMessage, project, user string) error {
	switch {
	case msg.TaskToken == "":
		return errors.New("missing taskToken")
	case msg.MessageID == "":
		return errors.New("missing messageId")
	case msg.ThreadID == "":
		return errors.New("missing threadId")
	case msg.RepoURL == "":
		return errors.New("missing repoUrl")
	case msg.Instruction == "":
		return errors.New("missing instruction")
	case msg.ProjectID != project || msg.UserID != user:
		return fmt.Errorf("message for %s/%s arrived on queue owned for %s/%s",
			msg.ProjectID, msg.UserID, project, user)
	}
	return nil
}

// Run polls the owned queue until ctx is cancelled. It returns nil on
// cancellation and an error only for failures fatal to the claim
// (authentication against the git remote).
func (p *Pump) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, receipt, ok, err := p.cfg.Queue.Poll(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("polling work queue", "error", err)
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

		if verr := Validate(msg, p.cfg.Project, p.cfg.User); verr != nil {
			p.logger.Warn("rejecting malformed message",
				"message_id", msg.MessageID, "error", verr)
			if derr := p.cfg.Queue.Delete(ctx, receipt); derr != nil {
				p.logger.Error("deleting malformed message", "error", derr)
			}
			if msg.TaskToken != "" {
				p.cfg.Gateway.ReportFailure(ctx, msg.TaskToken, callback.ReasonMalformedMessage, verr.Error())
			}
			continue
		}

		if err := p.process(ctx, msg, receipt); err != nil {
			return err
		}
	}
}

func (p *Pump) process(ctx context.Context, msg queue.WorkMessage, receipt string) error {
	job := &inFlight{msg: msg, receipt: receipt, settled: make(chan struct{})}

	// Receipt is visible in memory before the ActiveJob record exists, so
	// an interrupt landing in this window resolves cleanly either way.
	p.mu.Lock()
	p.current = job
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.current == job {
			p.current = nil
		}
		p.mu.Unlock()
	}()

	now := time.Now().UTC()
	if err := p.cfg.Jobs.PutActiveJob(p.cfg.Project, p.cfg.User, store.ActiveJob{
		MessageID:     msg.MessageID,
		TaskToken:     msg.TaskToken,
		ReceiptHandle: receipt,
		ThreadID:      msg.ThreadID,
		StartedAt:     now,
		TTL:           now.Add(p.cfg.JobTTL),
	}); err != nil {
		p.logger.Error("writing active job", "message_id", msg.MessageID, "error", err)
	}

	timersCtx, stopTimers := context.WithCancel(ctx)
	var heartbeatLost atomic.Bool
	var timersDone sync.WaitGroup
	timersDone.Add(2)
	go func() {
		defer timersDone.Done()
		p.extendLoop(timersCtx, receipt, &heartbeatLost)
	}()
	go func() {
		defer timersDone.Done()
		p.heartbeatLoop(timersCtx, msg.TaskToken, &heartbeatLost)
	}()

	job.result = p.cfg.Runner.Run(ctx, msg)
	close(job.settled)
	stopTimers()
	timersDone.Wait()

	res := job.result

	switch {
	case ctx.Err() != nil:
		// Lease lost or shutdown mid-pipeline: no terminal actions. The
		// message's visibility lapses and the next owner redelivers it.
		p.logger.Info("pipeline interrupted by owner shutdown; leaving message for redelivery",
			"message_id", msg.MessageID)
		return nil

	case heartbeatLost.Load():
		p.cfg.Gateway.ReportFailure(ctx, msg.TaskToken, callback.ReasonHeartbeatLost,
			"orchestrator heartbeat failed repeatedly")
		// The message is deliberately not deleted: with extension stopped,
		// visibility lapses and the queue redelivers.
		p.deleteActiveJob(msg.MessageID)

	case res.Outcome == workflow.OutcomePreempted:
		p.finalizePreempted(ctx, job)

	case res.Outcome == workflow.OutcomeCompleted:
		p.cfg.Gateway.ReportSuccess(ctx, msg.TaskToken, callback.SuccessPayload{
			ChangedPaths: res.ChangedPaths,
			CommitSHA:    res.CommitSHA,
			Published:    res.Published,
			Pushed:       res.Pushed,
		})
		if err := p.cfg.Queue.Delete(ctx, receipt); err != nil {
			p.logger.Error("deleting completed message", "message_id", msg.MessageID, "error", err)
		}
		p.deleteActiveJob(msg.MessageID)

	default: // OutcomeFailed
		p.cfg.Gateway.ReportFailure(ctx, msg.TaskToken, res.FailureReason, joinDiagnostics(res.Diagnostics))
		// Every enumerated failure kind is terminal at the worker level;
		// redelivery could only repeat it.
		if err := p.cfg.Queue.Delete(ctx, receipt); err != nil {
			p.logger.Error("deleting failed message", "message_id", msg.MessageID, "error", err)
		}
		p.deleteActiveJob(msg.MessageID)
	}

	var authErr *gitengine.AuthError
	if errors.As(res.Err, &authErr) {
		return fmt.Errorf("surrendering claim: %w", authErr)
	}
	return nil
}

// Current returns the message currently being processed, if any. The
// preemption listener uses it to match incoming interrupts.
func (p *Pump) Current() (queue.WorkMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return queue.WorkMessage{}, false
	}
	return p.current.msg, true
}

// Preempt aborts the in-flight pipeline, waits for it to settle, and
// finalizes the job as preempted: the work message is deleted (unblocking
// the FIFO for the superseding message), the orchestrator is released with
// PREEMPTED, and the ActiveJob is removed. Returns false when nothing is in
// flight. Safe to race with the pump's own terminal handling; the finalize
// runs exactly once.
func (p *Pump) Preempt(ctx context.Context) bool {
	p.mu.Lock()
	job := p.current
	p.mu.Unlock()
	if job == nil {
		return false
	}

	p.cfg.Runner.Abort()

	select {
	case <-job.settled:
	case <-time.After(p.cfg.SettleWait):
		p.logger.Warn("pipeline did not settle within bound; finalizing anyway",
			"message_id", job.msg.MessageID)
	case <-ctx.Done():
		return true
	}

	p.finalizePreempted(ctx, job)
	return true
}

// finalizePreempted performs the terminal actions for a preempted job. Both
// the pump (observing a preempted pipeline result) and the preemption
// listener (driving the abort) funnel through here; sync.Once keeps the
// message deletion, callback, and ActiveJob removal single-shot.
func (p *Pump) finalizePreempted(ctx context.Context, job *inFlight) {
	job.finalize.Do(func() {
		if err := p.cfg.Queue.Delete(ctx, job.receipt); err != nil {
			p.logger.Error("deleting preempted message",
				"message_id", job.msg.MessageID, "error", err)
		}

		res := job.result
		detail := fmt.Sprintf("superseded; commit=%s published=%t pushed=%t",
			orNone(res.CommitSHA), res.Published, res.Pushed)
		p.cfg.Gateway.ReportFailure(ctx, job.msg.TaskToken, callback.ReasonPreempted, detail)

		p.deleteActiveJob(job.msg.MessageID)
	})
}

func (p *Pump) deleteActiveJob(messageID string) {
	if err := p.cfg.Jobs.DeleteActiveJob(p.cfg.Project, p.cfg.User); err != nil {
		p.logger.Error("deleting active job", "message_id", messageID, "error", err)
	}
}

// extendLoop keeps the in-flight message invisible to other consumers while
// the pipeline runs. It stops extending once heartbeats are lost so the
// message is eventually redelivered.
func (p *Pump) extendLoop(ctx context.Context, receipt string, heartbeatLost *atomic.Bool) {
	ticker := time.NewTicker(p.cfg.VisibilityExtendPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if heartbeatLost.Load() {
				return
			}
			if err := p.cfg.Queue.ExtendVisibility(ctx, receipt, p.cfg.VisibilityTimeout); err != nil {
				p.logger.Warn("extending visibility", "error", err)
			}
		}
	}
}

// heartbeatLoop sends periodic liveness heartbeats for the active task
// token. Transient failures are tolerated; crossing the consecutive-failure
// threshold marks the job heartbeat-lost and aborts the pipeline.
func (p *Pump) heartbeatLoop(ctx context.Context, taskToken string, heartbeatLost *atomic.Bool) {
	ticker := time.NewTicker(p.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.cfg.Gateway.Heartbeat(ctx, taskToken); err != nil {
				failures++
				if failures >= p.cfg.HeartbeatFailureThreshold {
					p.logger.Error("heartbeat lost; aborting pipeline",
						"task_token", taskToken, "failures", failures)
					heartbeatLost.Store(true)
					p.cfg.Runner.Abort()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func joinDiagnostics(diags []string) string {
	if len(diags) == 0 {
		return "pipeline failed"
	}
	out := diags[0]
	for _, d := range diags[1:] {
		out += "; " + d
	}
	return out
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
