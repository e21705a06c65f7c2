// Package workflow implements the per-instruction pipeline: prepare branch,
// edit, commit, build, publish, push. A Runner tracks the currently running
// child subprocess so the preemption listener can interrupt it mid-step, and
// converts subprocess outcomes into a structured Result instead of raising.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/webordinary/editworker/internal/buildsubprocess"
	"github.com/webordinary/editworker/internal/callback"
	"github.com/webordinary/editworker/internal/editsubprocess"
	"github.com/webordinary/editworker/internal/events"
	"github.com/webordinary/editworker/internal/gitengine"
	"github.com/webordinary/editworker/internal/publish"
	"github.com/webordinary/editworker/internal/queue"
	"github.com/webordinary/editworker/internal/shell"
)

// Outcome classifies how a pipeline run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePreempted Outcome = "preempted"
	OutcomeFailed    Outcome = "failed"
)

// Result is the structured outcome of one pipeline run, emitted regardless
// of whether the run completed, failed, or was aborted mid-flight.
type Result struct {
	Outcome      Outcome
	ChangedPaths []string
	CommitSHA    string
	Published    bool
	Pushed       bool

	// FailureReason is set when Outcome is OutcomeFailed and names the
	// callback failure kind the Work Pump should report.
	FailureReason callback.Reason

	// Diagnostics collects non-fatal step failures (build, publish, push)
	// and the failure detail when Outcome is OutcomeFailed.
	Diagnostics []string

	// Err carries the one error class that must propagate past the pump:
	// authentication failure against the git remote, which surrenders the
	// claim so a differently-configured worker can try.
	Err error
}

// Git is the seam to the git engine. *gitengine.Engine satisfies it.
type Git interface {
	EnsureRepo(ctx context.Context, repoURL, credentialHelperPath string) error
	Recover(ctx context.Context) error
	SafeSwitch(ctx context.Context, branch string) error
	CommitIfDirty(ctx context.Context, subject, body string) (gitengine.CommitResult, error)
	SafePush(ctx context.Context, branch string, retryAttempts int) error
	ChangedPaths(ctx context.Context) ([]string, error)
}

// Config holds a Runner's dependencies and per-owner settings.
type Config struct {
	Project string
	User    string

	// WorkspaceRoot is the persistent mount under which the per-repo
	// workspace directory {root}/{project}/{user}/{repo_name} lives.
	WorkspaceRoot string

	// CredentialHelper is the credential.helper value wired into each
	// repository so pushes are non-interactive. Empty disables.
	CredentialHelper string

	// NewGit builds the Git engine for a workspace directory. Defaults to
	// gitengine.New; tests substitute a fake.
	NewGit func(dir string) Git

	// SiteBucket is the object-store key builds are mirrored to
	// ({project}-edit-site in the target deployment).
	SiteBucket string

	EditBinary   string
	EditMaxTurns int

	BuildCommand   []string
	BuildOutputDir string

	Publisher publish.Store

	PushEnabled    bool
	PushRetryCount int

	// AbortGracePeriod is how long a signaled child gets to exit before the
	// runner escalates to a kill.
	AbortGracePeriod time.Duration

	EventHandler events.EventHandler
	Logger       *slog.Logger
}

// Runner executes pipelines one at a time. The Work Pump is its only caller
// of Run and of Abort: it aborts when the Preemption Listener preempts the
// in-flight instruction and when orchestrator heartbeats are lost.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	child    *shell.Child // CurrentChild: non-nil exactly while a subprocess runs
	step     string
	running  bool
	aborting bool
}

// New builds a Runner.
func New(cfg Config) *Runner {
	if cfg.NewGit == nil {
		cfg.NewGit = func(dir string) Git { return gitengine.New(dir) }
	}
	if cfg.BuildOutputDir == "" {
		cfg.BuildOutputDir = "dist"
	}
	if cfg.PushRetryCount <= 0 {
		cfg.PushRetryCount = 3
	}
	if cfg.AbortGracePeriod <= 0 {
		cfg.AbortGracePeriod = 8 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Abort cooperatively cancels the in-flight pipeline: it delivers SIGINT to
// the current child (if any), arms a kill escalation after the grace period,
// and sets a flag the pipeline consults between steps. Calling Abort with no
// pipeline in flight, or more than once during one pipeline, is a no-op.
func (r *Runner) Abort() {
	r.mu.Lock()
	if !r.running || r.aborting {
		r.mu.Unlock()
		return
	}
	r.aborting = true
	child := r.child
	step := r.step
	r.mu.Unlock()

	if child != nil {
		r.emit(events.AbortSignaled{Step: step})
		if err := child.Signal(syscall.SIGINT); err != nil {
			r.logger.Warn("delivering abort signal", "step", step, "error", err)
		}
		time.AfterFunc(r.cfg.AbortGracePeriod, func() {
			// Harmless if the child already exited.
			child.Kill()
		})
	}
}

func (r *Runner) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborting
}

func (r *Runner) setChild(child *shell.Child, step string) {
	r.mu.Lock()
	r.child = child
	r.step = step
	r.mu.Unlock()
}

func (r *Runner) clearChild() {
	r.mu.Lock()
	r.child = nil
	r.step = ""
	r.mu.Unlock()
}

func (r *Runner) emit(e events.Event) {
	if r.cfg.EventHandler != nil {
		r.cfg.EventHandler.Handle(e)
	}
}

// workspaceDir derives the persistent workspace directory for a repository:
// {workspace_root}/{project}/{user}/{repo_name}.
func (r *Runner) workspaceDir(repoURL string) string {
	return filepath.Join(r.cfg.WorkspaceRoot, r.cfg.Project, r.cfg.User, repoName(repoURL))
}

func repoName(repoURL string) string {
	name := repoURL
	if u, err := url.Parse(repoURL); err == nil && u.Path != "" {
		name = u.Path
	}
	name = strings.TrimSuffix(filepath.Base(name), ".git")
	if name == "" || name == "." || name == "/" {
		return "repo"
	}
	return name
}

// Run executes the full pipeline for one accepted WorkMessage and returns a
// structured Result. It never panics outward; unexpected errors become a
// failed Result with ReasonInternal.
func (r *Runner) Run(ctx context.Context, msg queue.WorkMessage) (out Result) {
	r.mu.Lock()
	r.running = true
	r.aborting = false
	r.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			out = r.failed(&Result{}, callback.ReasonInternal, fmt.Sprintf("internal error: %v", p), nil)
		}
	}()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.child = nil
		r.step = ""
		r.mu.Unlock()
	}()

	res := Result{Outcome: OutcomeCompleted}
	branch := "thread-" + msg.ThreadID
	dir := r.workspaceDir(msg.RepoURL)
	git := r.cfg.NewGit(dir)

	r.emit(events.InstructionStarted{InstructionID: msg.MessageID, ThreadID: msg.ThreadID})
	r.logger.Info("pipeline start",
		"message_id", msg.MessageID, "thread_id", msg.ThreadID, "workspace", dir)

	if err := git.EnsureRepo(ctx, msg.RepoURL, r.cfg.CredentialHelper); err != nil {
		return r.failed(&res, callback.ReasonInternal, fmt.Sprintf("preparing workspace: %v", err), err)
	}

	// Step 1: prepare branch. Recover first so a crash mid-merge in a prior
	// run can never wedge this one.
	r.emit(events.StepStarted{Step: "prepare"})
	if err := git.Recover(ctx); err != nil {
		r.logger.Warn("workspace recovery", "error", err)
	}
	if err := git.SafeSwitch(ctx, branch); err != nil {
		return r.failed(&res, callback.ReasonInternal, fmt.Sprintf("switching to %s: %v", branch, err), err)
	}

	// Step 2: edit.
	if r.aborted() {
		return r.finishPreempted(ctx, git, msg, &res)
	}
	r.emit(events.StepStarted{Step: "edit"})
	editErr := r.runEdit(ctx, dir, msg)
	if r.aborted() {
		return r.finishPreempted(ctx, git, msg, &res)
	}
	if editErr != nil {
		return r.failed(&res, callback.ReasonClaudeFailed, fmt.Sprintf("edit subprocess: %v", editErr), nil)
	}

	changed, err := git.ChangedPaths(ctx)
	if err != nil {
		return r.failed(&res, callback.ReasonInternal, fmt.Sprintf("listing changed paths: %v", err), err)
	}
	res.ChangedPaths = changed

	// Step 3: commit.
	if len(changed) > 0 {
		r.emit(events.StepStarted{Step: "commit"})
		subject := gitengine.BuildCommitSubject(msg.MessageID, msg.Instruction)
		body := gitengine.BuildCommitBody(msg.MessageID, msg.Instruction, r.cfg.User, changed,
			gitengine.SubjectTruncated(msg.MessageID, msg.Instruction), time.Now())
		cr, err := git.CommitIfDirty(ctx, subject, body)
		if err != nil {
			return r.failed(&res, callback.ReasonInternal, fmt.Sprintf("committing: %v", err), err)
		}
		res.CommitSHA = cr.SHA
	}

	// Step 4: build. A failed build is reported, not fatal.
	if r.aborted() {
		return r.finishPreempted(ctx, git, msg, &res)
	}
	r.emit(events.StepStarted{Step: "build"})
	buildRes, buildErr := r.runBuild(ctx, dir)
	if r.aborted() {
		return r.finishPreempted(ctx, git, msg, &res)
	}
	if buildErr != nil {
		return r.failed(&res, callback.ReasonInternal, fmt.Sprintf("build subprocess: %v", buildErr), nil)
	}
	if !buildRes.Succeeded {
		res.Diagnostics = append(res.Diagnostics,
			fmt.Sprintf("%s: %s", callback.ReasonBuildFailed, firstLine(buildRes.Stderr)))
	}

	// Step 5: publish. Runs after a failed build only when a prior run left
	// output to mirror; otherwise the stale site stays as-is.
	if buildRes.Succeeded || buildRes.OutputExists {
		if r.aborted() {
			return r.finishPreempted(ctx, git, msg, &res)
		}
		r.emit(events.StepStarted{Step: "publish"})
		if err := r.cfg.Publisher.Sync(ctx, r.cfg.SiteBucket, filepath.Join(dir, r.cfg.BuildOutputDir)); err != nil {
			res.Diagnostics = append(res.Diagnostics,
				fmt.Sprintf("%s: %v", callback.ReasonPublishFailed, err))
		} else {
			res.Published = true
		}
	}

	// Step 6: push. Failure is reported but the workflow result stays
	// completed when edit and commit succeeded. Zero changed paths means no
	// commit was created and there is nothing to push.
	if r.aborted() {
		return r.finishPreempted(ctx, git, msg, &res)
	}
	if r.cfg.PushEnabled && res.CommitSHA != "" {
		r.emit(events.StepStarted{Step: "push"})
		if err := git.SafePush(ctx, branch, r.cfg.PushRetryCount); err != nil {
			res.Diagnostics = append(res.Diagnostics,
				fmt.Sprintf("%s: %v", callback.ReasonPushFailed, err))
			var authErr *gitengine.AuthError
			if errors.As(err, &authErr) {
				res.Err = authErr
			}
		} else {
			res.Pushed = true
		}
	}

	r.logger.Info("pipeline done",
		"message_id", msg.MessageID, "outcome", res.Outcome,
		"changed", len(res.ChangedPaths), "published", res.Published, "pushed", res.Pushed)
	return res
}

func (r *Runner) runEdit(ctx context.Context, dir string, msg queue.WorkMessage) error {
	instruction := msg.Instruction
	if len(msg.Attachments) > 0 {
		instruction += "\n\nAttachments:\n"
		for _, a := range msg.Attachments {
			instruction += "- " + a + "\n"
		}
	}

	child, err := editsubprocess.Start(ctx, &shell.Runner{Dir: dir}, editsubprocess.Opts{
		Binary:       r.cfg.EditBinary,
		Instruction:  instruction,
		Dir:          dir,
		MaxTurns:     r.cfg.EditMaxTurns,
		EventHandler: r.cfg.EventHandler,
	})
	if err != nil {
		return err
	}
	r.setChild(child, "edit")
	defer r.clearChild()

	_, streamErr := editsubprocess.Stream(child, editsubprocess.Opts{
		Dir:          dir,
		EventHandler: r.cfg.EventHandler,
	})
	if child.Signaled() {
		// Deliberately interrupted; the caller's abort check decides the
		// outcome, not the exit status.
		return nil
	}
	return streamErr
}

func (r *Runner) runBuild(ctx context.Context, dir string) (buildsubprocess.Result, error) {
	opts := buildsubprocess.Opts{
		Command:   r.cfg.BuildCommand,
		Dir:       dir,
		OutputDir: r.cfg.BuildOutputDir,
	}
	child, err := buildsubprocess.Start(ctx, &shell.Runner{Dir: dir}, opts)
	if err != nil {
		return buildsubprocess.Result{}, err
	}
	r.setChild(child, "build")
	defer r.clearChild()
	return buildsubprocess.Wait(child, opts), nil
}

// finishPreempted performs the post-abort cleanup: park partial work in a
// WIP commit, best-effort publish of whatever build output exists so a
// partial build still reaches the object store rather than leaving the prior
// version stale, then attempt a push. Cleanup runs on a context detached
// from the (possibly cancelled) pipeline context, bounded by its own
// timeout.
func (r *Runner) finishPreempted(ctx context.Context, git Git, msg queue.WorkMessage, res *Result) Result {
	res.Outcome = OutcomePreempted
	branch := "thread-" + msg.ThreadID
	dir := r.workspaceDir(msg.RepoURL)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	if err := git.Recover(cctx); err != nil {
		r.logger.Warn("recovery before stashing partial work", "error", err)
	}

	if changed, err := git.ChangedPaths(cctx); err == nil {
		res.ChangedPaths = changed
	}

	subject := truncate("WIP: interrupted — "+gitengine.CleanInstruction(msg.Instruction), 72)
	body := "Instruction-Id: " + msg.MessageID + "\nUser: " + r.cfg.User
	cr, err := git.CommitIfDirty(cctx, subject, body)
	if err != nil {
		r.logger.Warn("committing partial work", "message_id", msg.MessageID, "error", err)
	} else if cr.Committed {
		res.CommitSHA = cr.SHA
	}

	outputPath := filepath.Join(dir, r.cfg.BuildOutputDir)
	if dirExists(outputPath) {
		if err := r.cfg.Publisher.Sync(cctx, r.cfg.SiteBucket, outputPath); err != nil {
			r.logger.Warn("publishing partial build", "message_id", msg.MessageID, "error", err)
		} else {
			res.Published = true
		}
	}

	if r.cfg.PushEnabled && res.CommitSHA != "" {
		if err := git.SafePush(cctx, branch, r.cfg.PushRetryCount); err != nil {
			r.logger.Warn("pushing partial work", "message_id", msg.MessageID, "error", err)
		} else {
			res.Pushed = true
		}
	}

	r.logger.Info("pipeline preempted",
		"message_id", msg.MessageID, "commit", res.CommitSHA,
		"published", res.Published, "pushed", res.Pushed)
	return *res
}

func (r *Runner) failed(res *Result, reason callback.Reason, detail string, err error) Result {
	res.Outcome = OutcomeFailed
	res.FailureReason = reason
	res.Diagnostics = append(res.Diagnostics, detail)
	var authErr *gitengine.AuthError
	if errors.As(err, &authErr) {
		res.Err = authErr
	}
	r.logger.Error("pipeline failed", "reason", reason, "detail", detail)
	return *res
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
