// Package gitengine runs every git operation against a worker's Workspace,
// with the property that no sequence of externally observable operations
// (branch switch, commit, push) can leave the Workspace in a state where the
// next operation cannot proceed.
package gitengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/webordinary/editworker/internal/retrypolicy"
	"github.com/webordinary/editworker/internal/shell"
)

// Engine performs git operations against a single Workspace directory.
type Engine struct {
	Dir    string
	runner *shell.Runner
}

// New returns an Engine operating against dir. dir need not yet exist or
// contain a repository; EnsureRepo creates it.
func New(dir string) *Engine {
	return &Engine{Dir: dir, runner: &shell.Runner{Dir: dir}}
}

// AuthError wraps a failure authenticating against the git remote. It is the
// one Git Engine failure that is fatal for the current claim: the caller is
// expected to surrender ownership so a differently-configured worker can try.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string { return fmt.Sprintf("git authentication failed: %v", e.Cause) }
func (e *AuthError) Unwrap() error { return e.Cause }

// ConflictError reports paths still unmerged after SafePush's merge fallback
// and ours-wins conflict resolution.
type ConflictError struct {
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unresolved conflicts in %d file(s): %s", len(e.Files), strings.Join(e.Files, ", "))
}

// EnsureRepo makes Dir a usable, non-interactively-pushable clone of
// repoURL. If Dir is missing or not a git repository, it is shallow-cloned.
// If it already contains a repository, it is reused as-is.
// credentialHelperPath is a credential.helper value (see internal/gitcreds) wired into the
// repo's local git config so subsequent pushes need no prompt.
func (e *Engine) EnsureRepo(ctx context.Context, repoURL, credentialHelperPath string) error {
	if _, err := os.Stat(filepath.Join(e.Dir, ".git")); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("checking for existing repo: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(e.Dir), 0o755); err != nil {
			return fmt.Errorf("creating workspace parent: %w", err)
		}
		parent := &shell.Runner{Dir: filepath.Dir(e.Dir)}
		if _, err := parent.Run(ctx, "git", "clone", "--depth", "50", repoURL, e.Dir); err != nil {
			if isAuthFailure(err) {
				return &AuthError{Cause: err}
			}
			return fmt.Errorf("cloning %s: %w", repoURL, err)
		}
	}

	if _, err := e.runner.Run(ctx, "git", "config", "user.name", "Edit Worker"); err != nil {
		return fmt.Errorf("configuring committer name: %w", err)
	}
	if _, err := e.runner.Run(ctx, "git", "config", "user.email", "edit-worker@webordinary.dev"); err != nil {
		return fmt.Errorf("configuring committer email: %w", err)
	}
	if credentialHelperPath != "" {
		if _, err := e.runner.Run(ctx, "git", "config", "credential.helper", credentialHelperPath); err != nil {
			return fmt.Errorf("configuring credential helper: %w", err)
		}
	}
	return nil
}

// SafeSwitch checks out targetBranch, stashing any uncommitted changes first
// and restoring them afterward. Per-call invariant: uncommitted changes
// present before the call are preserved after it — either restored onto the
// target branch or left parked in a named stash entry.
func (e *Engine) SafeSwitch(ctx context.Context, targetBranch string) error {
	dirty, err := e.isDirty(ctx)
	if err != nil {
		return fmt.Errorf("checking tree state: %w", err)
	}

	stashLabel := fmt.Sprintf("auto-stash before switching to %s", targetBranch)
	stashed := false
	if dirty {
		if _, err := e.runner.Run(ctx, "git", "stash", "push", "--include-untracked", "-m", stashLabel); err != nil {
			return fmt.Errorf("stashing before switch: %w", err)
		}
		stashed = true
	}

	if err := e.checkoutOrCreate(ctx, targetBranch); err != nil {
		return fmt.Errorf("switching to %s: %w", targetBranch, err)
	}

	if stashed {
		ref, err := e.findStashRef(ctx, stashLabel)
		if err != nil {
			return fmt.Errorf("locating stash entry: %w", err)
		}
		if ref == "" {
			return nil
		}
		if _, err := e.runner.Run(ctx, "git", "stash", "pop", ref); err != nil {
			files, confErr := e.ConflictFiles(ctx)
			if confErr == nil && len(files) > 0 {
				// Leave the stash in place; the next instruction may resolve it.
				return nil
			}
			return fmt.Errorf("popping stash: %w", err)
		}
	}
	return nil
}

func (e *Engine) checkoutOrCreate(ctx context.Context, branch string) error {
	if _, err := e.runner.Run(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		_, err := e.runner.Run(ctx, "git", "checkout", branch)
		return err
	}
	if _, err := e.runner.Run(ctx, "git", "rev-parse", "--verify", "refs/remotes/origin/"+branch); err == nil {
		_, err := e.runner.Run(ctx, "git", "checkout", "-b", branch, "origin/"+branch)
		return err
	}
	_, err := e.runner.Run(ctx, "git", "checkout", "-b", branch)
	return err
}

func (e *Engine) findStashRef(ctx context.Context, label string) (string, error) {
	out, err := e.runner.Run(ctx, "git", "stash", "list")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, label) {
			if idx := strings.Index(line, ":"); idx > 0 {
				return line[:idx], nil
			}
		}
	}
	return "", nil
}

func (e *Engine) isDirty(ctx context.Context) (bool, error) {
	out, err := e.runner.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// ConflictFiles returns the list of paths currently in an unmerged (UU)
// state.
func (e *Engine) ConflictFiles(ctx context.Context) ([]string, error) {
	out, err := e.runner.Run(ctx, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("listing conflict files: %w", err)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// ResolveConflictsOurs adopts the local version of every unmerged path and
// stages it, committing once if anything was resolved. The worker treats its
// own workspace as authoritative over remote divergence; this policy is
// deliberate, not a default git behavior.
func (e *Engine) ResolveConflictsOurs(ctx context.Context) (resolved bool, err error) {
	files, err := e.ConflictFiles(ctx)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	for _, f := range files {
		if _, err := e.runner.Run(ctx, "git", "checkout", "--ours", "--", f); err != nil {
			return false, fmt.Errorf("checking out ours for %s: %w", f, err)
		}
		if _, err := e.runner.Run(ctx, "git", "add", "--", f); err != nil {
			return false, fmt.Errorf("staging %s: %w", f, err)
		}
	}
	if _, err := e.runner.Run(ctx, "git", "commit", "-m", "auto-resolve: adopt local changes over remote"); err != nil {
		return false, fmt.Errorf("committing conflict resolution: %w", err)
	}
	return true, nil
}

// CommitResult reports the outcome of CommitIfDirty.
type CommitResult struct {
	Committed bool
	SHA       string
}

// CommitIfDirty stages all tracked and untracked changes and creates one
// commit if the tree is dirty. subject is truncated to 72 characters; body,
// if non-empty, is appended verbatim after a blank line — bodies carry
// structured lines (bullet lists, trailers) that must not be reflowed, so
// any prose wrapping is the caller's job (see BuildCommitBody).
func (e *Engine) CommitIfDirty(ctx context.Context, subject, body string) (CommitResult, error) {
	dirty, err := e.isDirty(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("checking tree state: %w", err)
	}
	if !dirty {
		return CommitResult{}, nil
	}

	if _, err := e.runner.Run(ctx, "git", "add", "-A"); err != nil {
		return CommitResult{}, fmt.Errorf("git add: %w", err)
	}

	message := truncate(subject, 72)
	if body != "" {
		message += "\n\n" + body
	}
	if _, err := e.runner.Run(ctx, "git", "commit", "-m", message); err != nil {
		return CommitResult{}, fmt.Errorf("git commit: %w", err)
	}
	sha, err := e.runner.Run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return CommitResult{}, fmt.Errorf("resolving commit sha: %w", err)
	}
	return CommitResult{Committed: true, SHA: strings.TrimSpace(sha)}, nil
}

// SafePush pushes branch to origin, recovering from a non-fast-forward
// rejection by rebasing and, if the rebase conflicts, falling back to a
// merge with ours-wins resolution. It never force-pushes. Transient network
// failures are retried with bounded exponential backoff; a conflict outcome
// that survives both strategies is returned as a failure, not retried
// further.
func (e *Engine) SafePush(ctx context.Context, branch string, retryAttempts int) error {
	push := func() error {
		_, err := e.runner.Run(ctx, "git", "push", "origin", branch)
		if err == nil {
			return nil
		}
		if isAuthFailure(err) {
			return retrypolicy.Permanent(&AuthError{Cause: err})
		}
		if !isNonFastForward(err) {
			return err
		}

		if recoverErr := e.recoverDivergence(ctx, branch); recoverErr != nil {
			return retrypolicy.Permanent(recoverErr)
		}
		_, err = e.runner.Run(ctx, "git", "push", "origin", branch)
		return err
	}

	opts := []retrypolicy.Option{retrypolicy.WithMaxAttempts(retryAttempts)}
	return retrypolicy.Do(ctx, push, opts...)
}

func (e *Engine) recoverDivergence(ctx context.Context, branch string) error {
	if _, err := e.runner.Run(ctx, "git", "pull", "--rebase", "origin", branch); err == nil {
		return nil
	}

	inProgress, err := e.hasRebaseInProgress(ctx)
	if err != nil {
		return fmt.Errorf("checking rebase state: %w", err)
	}
	if inProgress {
		if _, err := e.runner.Run(ctx, "git", "rebase", "--abort"); err != nil {
			return fmt.Errorf("aborting rebase: %w", err)
		}
	}

	if _, err := e.runner.Run(ctx, "git", "pull", "--no-rebase", "origin", branch); err != nil {
		var exitErr *shell.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("merging origin/%s: %w", branch, err)
		}
		// fall through: conflicts are expected here and resolved below
	}

	resolved, err := e.ResolveConflictsOurs(ctx)
	if err != nil {
		return fmt.Errorf("resolving conflicts: %w", err)
	}
	if !resolved {
		files, _ := e.ConflictFiles(ctx)
		if len(files) > 0 {
			return &ConflictError{Files: files}
		}
	}
	return nil
}

func (e *Engine) hasRebaseInProgress(ctx context.Context) (bool, error) {
	out, err := e.runner.Run(ctx, "git", "rev-parse", "--absolute-git-dir")
	if err != nil {
		return false, err
	}
	gitDir := strings.TrimSpace(out)
	if _, err := os.Stat(filepath.Join(gitDir, "rebase-merge")); err == nil {
		return true, nil
	}
	if _, err := os.Stat(filepath.Join(gitDir, "rebase-apply")); err == nil {
		return true, nil
	}
	return false, nil
}

// Recover performs best-effort cleanup of any in-progress merge, rebase, or
// cherry-pick, hard-resetting to HEAD if the tree still shows unmerged
// paths. Called by the Workflow Runner at the start of every instruction and
// in its post-abort cleanup before partial work is committed.
func (e *Engine) Recover(ctx context.Context) error {
	if inProgress, _ := e.hasRebaseInProgress(ctx); inProgress {
		e.runner.Run(ctx, "git", "rebase", "--abort")
	}
	e.runner.Run(ctx, "git", "merge", "--abort")
	e.runner.Run(ctx, "git", "cherry-pick", "--abort")

	files, err := e.ConflictFiles(ctx)
	if err == nil && len(files) > 0 {
		if _, err := e.runner.Run(ctx, "git", "reset", "--hard", "HEAD"); err != nil {
			return fmt.Errorf("hard-resetting unmerged tree: %w", err)
		}
	}
	return nil
}

// ChangedPaths returns every path with uncommitted or untracked changes.
func (e *Engine) ChangedPaths(ctx context.Context) ([]string, error) {
	out, err := e.runner.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing changed paths: %w", err)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	var paths []string
	for _, line := range strings.Split(trimmed, "\n") {
		if len(line) > 3 {
			paths = append(paths, strings.TrimSpace(line[3:]))
		}
	}
	return paths, nil
}

func isAuthFailure(err error) bool {
	var exitErr *shell.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	lower := strings.ToLower(exitErr.Stderr)
	return strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "could not read username")
}

func isNonFastForward(err error) bool {
	var exitErr *shell.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	lower := strings.ToLower(exitErr.Stderr)
	return strings.Contains(lower, "non-fast-forward") ||
		strings.Contains(lower, "fetch first") ||
		strings.Contains(lower, "rejected")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func wrap(s string, width int) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return s
	}
	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		if len(line)+1+len(w) > width {
			lines = append(lines, line)
			line = w
			continue
		}
		line += " " + w
	}
	lines = append(lines, line)
	return strings.Join(lines, "\n")
}

// CleanInstruction derives subject text from a raw instruction: trim, strip
// a leading polite prefix, capitalize.
func CleanInstruction(instruction string) string {
	text := strings.TrimSpace(instruction)
	for _, prefix := range []string{"please ", "can you ", "could you ", "would you "} {
		if strings.HasPrefix(strings.ToLower(text), prefix) {
			text = text[len(prefix):]
			break
		}
	}
	if text != "" {
		text = strings.ToUpper(text[:1]) + text[1:]
	}
	return text
}

// BuildCommitSubject derives a commit subject line from a raw instruction:
// CleanInstruction, prepend the instruction id's first 8 characters in
// brackets, truncate to 72 characters.
func BuildCommitSubject(instructionID, instruction string) string {
	idPrefix := instructionID
	if len(idPrefix) > 8 {
		idPrefix = idPrefix[:8]
	}
	subject := fmt.Sprintf("[%s] %s", idPrefix, CleanInstruction(instruction))
	return truncate(subject, 72)
}

// BuildCommitBody assembles the commit body: the full instruction if the
// subject was truncated (wrapped at 72 columns, since it is free-form
// prose), a bullet list of changed paths when more than three changed, and
// trailer lines for instruction id, user, and timestamp. Bullets and
// trailers are emitted one per line, ready for CommitIfDirty to append
// verbatim. The trailers are unconditional, so every commit carries a body.
func BuildCommitBody(instructionID, instruction, user string, changedPaths []string, subjectTruncated bool, at time.Time) string {
	var b strings.Builder
	if subjectTruncated {
		b.WriteString(wrap(instruction, 72))
		b.WriteString("\n\n")
	}
	if len(changedPaths) > 3 {
		for _, p := range changedPaths {
			b.WriteString("- " + p + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Instruction-Id: " + instructionID + "\n")
	b.WriteString("User: " + user + "\n")
	b.WriteString("Timestamp: " + at.UTC().Format(time.RFC3339) + "\n")
	return strings.TrimRight(b.String(), "\n")
}

// SubjectTruncated reports whether rendering instructionID/instruction via
// BuildCommitSubject lost information to the 72-character limit, which
// determines whether the full instruction must be repeated in the body.
func SubjectTruncated(instructionID, instruction string) bool {
	idPrefix := instructionID
	if len(idPrefix) > 8 {
		idPrefix = idPrefix[:8]
	}
	full := fmt.Sprintf("[%s] %s", idPrefix, CleanInstruction(instruction))
	return len([]rune(full)) > 72
}
