// Package callback implements the Callback Gateway: all outbound
// communication with the external orchestrator that created the work item,
// isolating transient callback errors from pipeline success or failure.
//
// The orchestrator is an opaque collaborator reached only through a
// task-token callback sink; the concrete Orchestrator implementation is a
// small JSON-over-HTTP client behind a narrow interface.
package callback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/webordinary/editworker/internal/retrypolicy"
)

// Reason enumerates the failure kinds the orchestrator's Failure callback
// recognizes. PREEMPTED is a first-class outcome, not an error condition.
type Reason string

const (
	ReasonPreempted        Reason = "PREEMPTED"
	ReasonClaudeFailed     Reason = "CLAUDE_FAILED"
	ReasonBuildFailed      Reason = "BUILD_FAILED"
	ReasonPublishFailed    Reason = "PUBLISH_FAILED"
	ReasonPushFailed       Reason = "PUSH_FAILED"
	ReasonHeartbeatLost    Reason = "HEARTBEAT_LOST"
	ReasonMalformedMessage Reason = "MALFORMED_MESSAGE"
	ReasonInternal         Reason = "INTERNAL"
)

// SuccessPayload is the terminal-success result body.
type SuccessPayload struct {
	ChangedPaths []string
	CommitSHA    string
	Published    bool
	Pushed       bool
}

// Orchestrator is the narrow seam to the external orchestrator's callback
// API. A real implementation calls out over HTTP; tests use a fake.
type Orchestrator interface {
	Heartbeat(ctx context.Context, taskToken string) error
	Success(ctx context.Context, taskToken string, payload SuccessPayload) error
	Failure(ctx context.Context, taskToken string, reason Reason, detail string) error
}

// Gateway wraps an Orchestrator client with retry-with-backoff and a
// circuit breaker, so a string of transient failures trips the breaker
// instead of compounding retries against a dead orchestrator.
type Gateway struct {
	client  Orchestrator
	breaker *gobreaker.CircuitBreaker[any]
	retry   []retrypolicy.Option
	logger  *slog.Logger
}

// Config configures a Gateway.
type Config struct {
	Client       Orchestrator
	Logger       *slog.Logger
	RetryBackoff []time.Duration
}

// New builds a Gateway around client.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "orchestrator-callback",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("callback circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})

	retry := cfg.RetryBackoff
	if len(retry) == 0 {
		retry = []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}
	}

	return &Gateway{
		client:  cfg.Client,
		breaker: breaker,
		retry:   []retrypolicy.Option{retrypolicy.WithBackoff(retry...)},
		logger:  logger,
	}
}

// Heartbeat sends a liveness heartbeat for the active task token. Transient
// failures are logged and returned but must not fail the pipeline — callers
// (the Work Pump's heartbeat loop) decide what persistent failure means.
func (g *Gateway) Heartbeat(ctx context.Context, taskToken string) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.client.Heartbeat(ctx, taskToken)
	})
	if err != nil {
		g.logger.Warn("heartbeat failed", "task_token", taskToken, "error", err)
	}
	return err
}

// ReportSuccess reports terminal success for taskToken, retried with
// backoff on transient failure. A permanent failure here never turns a
// successful pipeline into a failed one: it is logged and the caller still
// releases the ActiveJob, relying on the orchestrator-side timeout to
// handle the stranded token.
func (g *Gateway) ReportSuccess(ctx context.Context, taskToken string, payload SuccessPayload) error {
	err := retrypolicy.Do(ctx, func() error {
		_, berr := g.breaker.Execute(func() (any, error) {
			return nil, g.client.Success(ctx, taskToken, payload)
		})
		return berr
	}, g.retry...)
	if err != nil {
		g.logger.Warn("report_success failed; active job released anyway", "task_token", taskToken, "error", err)
	}
	return err
}

// ReportFailure reports terminal failure for taskToken with the given
// reason, retried with backoff on transient failure.
func (g *Gateway) ReportFailure(ctx context.Context, taskToken string, reason Reason, detail string) error {
	err := retrypolicy.Do(ctx, func() error {
		_, berr := g.breaker.Execute(func() (any, error) {
			return nil, g.client.Failure(ctx, taskToken, reason, detail)
		})
		return berr
	}, g.retry...)
	if err != nil {
		g.logger.Warn("report_failure failed", "task_token", taskToken, "reason", reason, "error", err)
	}
	return err
}

// ErrBreakerOpen is returned by a call made while the circuit breaker is
// open, surfaced so callers can distinguish "orchestrator rejected this
// call" from "orchestrator is currently unreachable."
var ErrBreakerOpen = gobreaker.ErrOpenState

// IsBreakerOpen reports whether err represents an open-breaker rejection.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState)
}
