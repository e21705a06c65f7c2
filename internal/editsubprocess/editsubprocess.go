// Package editsubprocess invokes the opaque external code-editing
// subprocess described in the worker's pipeline: an agent CLI that mutates
// files in a workspace in response to a natural-language instruction and
// streams its progress as newline-delimited JSON.
package editsubprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/webordinary/editworker/internal/events"
	"github.com/webordinary/editworker/internal/shell"
)

// DefaultBinary is the edit subprocess binary name used when the worker's
// configuration does not override it.
const DefaultBinary = "claude"

// Opts configures one edit-subprocess invocation.
type Opts struct {
	// Binary overrides DefaultBinary, for workers configured against a
	// different agent CLI.
	Binary string

	// Instruction is the human-language instruction piped to the
	// subprocess's stdin.
	Instruction string

	// Dir is the Workspace directory the subprocess runs in.
	Dir string

	// MaxTurns limits the number of agentic turns, if the subprocess
	// supports it. Zero means unlimited.
	MaxTurns int

	// EventHandler receives structured progress events during streaming.
	// If nil, events are silently discarded.
	EventHandler events.EventHandler
}

// Result is what Wait returns once the subprocess has exited and its stream
// has been fully drained.
type Result struct {
	Output     string
	NumTurns   int
	DurationMS int
}

// streamEvent mirrors the agent CLI's documented stream-json event shape.
type streamEvent struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype,omitempty"`
	Result     string `json:"result,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
	NumTurns   int    `json:"num_turns,omitempty"`
	Message    struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text,omitempty"`
			Name  string         `json:"name,omitempty"`
			Input map[string]any `json:"input,omitempty"`
		} `json:"content,omitempty"`
	} `json:"message,omitempty"`
}

// Start launches the edit subprocess and returns its Child handle
// immediately, without waiting for it to exit. The caller is expected to
// publish the Child as the pipeline's CurrentChild before calling Stream, so
// a concurrent abort can reach it.
func Start(ctx context.Context, runner *shell.Runner, opts Opts) (*shell.Child, error) {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	args := buildArgs(opts)
	runner.Dir = opts.Dir
	child, err := runner.StartWithStdin(ctx, opts.Instruction, binary, args...)
	if err != nil {
		return nil, fmt.Errorf("starting edit subprocess: %w", err)
	}
	return child, nil
}

func buildArgs(opts Opts) []string {
	args := []string{
		"--dangerously-skip-permissions",
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", opts.MaxTurns))
	}
	return args
}

// Stream reads child's stdout as newline-delimited stream-json events,
// forwarding tool-use and agent-text events to opts.EventHandler, then waits
// for the child to exit. A non-zero exit from a child that was not
// deliberately signaled is reported as *shell.ExitError. A child terminated
// by Signal (because the pipeline is aborting) is also reported as
// *shell.ExitError (with Code -1); the caller distinguishes it from an
// ordinary failure by checking child.Signaled().
func Stream(child *shell.Child, opts Opts) (Result, error) {
	scanner := bufio.NewScanner(child.Stdout())
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)

	workDir := opts.Dir

	var result Result
	for scanner.Scan() {
		line := scanner.Text()
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "assistant":
			for _, content := range ev.Message.Content {
				switch {
				case content.Type == "tool_use":
					emitEvent(opts.EventHandler, events.ToolUse{
						Name:    content.Name,
						Detail:  toolDetail(content.Name, content.Input, workDir),
						WorkDir: workDir,
					})
				case content.Type == "text" && content.Text != "":
					emitEvent(opts.EventHandler, events.AgentText{Text: content.Text})
				}
			}
		case "result":
			result.Output = ev.Result
			result.NumTurns = ev.NumTurns
			result.DurationMS = ev.DurationMS
		}
	}

	if result.NumTurns > 0 {
		emitEvent(opts.EventHandler, events.InvocationDone{
			NumTurns:   result.NumTurns,
			DurationMS: result.DurationMS,
		})
	}

	if err := child.Wait(); err != nil {
		return result, err
	}

	if ulErr := ParseUsageLimit(result.Output); ulErr != nil {
		return result, ulErr
	}
	return result, nil
}

func emitEvent(h events.EventHandler, e events.Event) {
	if h != nil {
		h.Handle(e)
	}
}

func toolDetail(name string, input map[string]any, workDir string) string {
	switch name {
	case "Read", "Edit", "Write":
		if fp, ok := input["file_path"].(string); ok {
			return relativePath(fp, workDir)
		}
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			if len(cmd) > 60 {
				cmd = cmd[:57] + "..."
			}
			return cmd
		}
	case "Grep":
		if pattern, ok := input["pattern"].(string); ok {
			detail := fmt.Sprintf("%q", pattern)
			if path, ok := input["path"].(string); ok {
				detail += " in " + relativePath(path, workDir)
			}
			return detail
		}
	case "Glob":
		if pattern, ok := input["pattern"].(string); ok {
			return pattern
		}
	}
	return ""
}

func relativePath(path, workDir string) string {
	if workDir == "" {
		return path
	}
	rel, err := filepath.Rel(workDir, path)
	if err != nil {
		return path
	}
	return rel
}

// UsageLimitError indicates the edit subprocess exited because its upstream
// usage cap was reached — a condition the worker reports as ClaudeFailed
// rather than retrying internally.
type UsageLimitError struct {
	ResetAt time.Time
	Message string
}

func (e *UsageLimitError) Error() string {
	return fmt.Sprintf("usage limit reached (resets %s): %s", e.ResetAt.Format(time.RFC3339), e.Message)
}

func isUsageLimitError(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "you've hit your limit") ||
		strings.Contains(lower, "usage limit reached")
}

var resetsPattern = regexp.MustCompile(`resets\s+(\w+\s+\d{1,2},\s+\d{4},\s+\d{1,2}(?::\d{2})?(?:am|pm))\s+\(([^)]+)\)`)
var resetAtPattern = regexp.MustCompile(`reset at\s+(\d{1,2}(?::\d{2})?(?:am|pm))\s+\(([^)]+)\)`)

// ParseUsageLimit checks output for a usage-limit message and parses the
// reset time. Returns nil if output does not describe a usage limit.
func ParseUsageLimit(output string) *UsageLimitError {
	if !isUsageLimitError(output) {
		return nil
	}
	return &UsageLimitError{
		ResetAt: parseResetTime(output),
		Message: extractLimitLine(output),
	}
}

func parseResetTime(output string) time.Time {
	if m := resetsPattern.FindStringSubmatch(output); m != nil {
		if t, err := parseDateTime(m[1], m[2]); err == nil {
			return t
		}
	}
	if m := resetAtPattern.FindStringSubmatch(output); m != nil {
		if t, err := parseTimeOnly(m[1], m[2]); err == nil {
			return t
		}
	}
	return time.Now().Add(30 * time.Minute)
}

func parseDateTime(datetime, tzName string) (time.Time, error) {
	loc, err := loadLocation(tzName)
	if err != nil {
		return time.Time{}, err
	}
	layouts := []string{
		"Jan 2, 2006, 3:04pm",
		"January 2, 2006, 3:04pm",
		"Jan 2, 2006, 3pm",
		"January 2, 2006, 3pm",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, datetime, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime %q", datetime)
}

func parseTimeOnly(timeStr, tzName string) (time.Time, error) {
	loc, err := loadLocation(tzName)
	if err != nil {
		return time.Time{}, err
	}
	now := time.Now().In(loc)
	var parsed time.Time
	if t, err := time.ParseInLocation("3:04pm", timeStr, loc); err == nil {
		parsed = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	} else if t, err := time.ParseInLocation("3pm", timeStr, loc); err == nil {
		parsed = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), 0, 0, 0, loc)
	} else {
		return time.Time{}, fmt.Errorf("cannot parse time %q", timeStr)
	}
	if parsed.Before(now) {
		parsed = parsed.Add(24 * time.Hour)
	}
	return parsed, nil
}

func loadLocation(tzName string) (*time.Location, error) {
	if strings.EqualFold(tzName, "UTC") {
		return time.UTC, nil
	}
	return time.LoadLocation(tzName)
}

func extractLimitLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "hit your limit") || strings.Contains(lower, "usage limit") {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(output)
}
