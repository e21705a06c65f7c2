package buildsubprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/webordinary/editworker/internal/shell"
)

func TestStart_Wait_SucceedsAndDetectsOutputDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "dist"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := &shell.Runner{}
	opts := Opts{Command: []string{"true"}, Dir: dir, OutputDir: "dist"}
	child, err := Start(context.Background(), runner, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res := Wait(child, opts)
	if !res.Succeeded {
		t.Error("expected Succeeded = true")
	}
	if !res.OutputExists {
		t.Error("expected OutputExists = true")
	}
}

func TestStart_Wait_FailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	runner := &shell.Runner{}
	opts := Opts{Command: []string{"false"}, Dir: dir, OutputDir: "dist"}
	child, err := Start(context.Background(), runner, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res := Wait(child, opts)
	if res.Succeeded {
		t.Error("expected Succeeded = false")
	}
	if res.OutputExists {
		t.Error("expected OutputExists = false when no prior build ran")
	}
}

func TestStart_Wait_DrainsLargeStdout(t *testing.T) {
	dir := t.TempDir()
	runner := &shell.Runner{}

	// Emit well past the OS pipe buffer (64 KB on Linux); an undrained
	// pipe would block the child and hang Wait.
	opts := Opts{
		Command: []string{"sh", "-c", "i=0; while [ $i -lt 4096 ]; do printf '%0128d\\n' $i; i=$((i+1)); done"},
		Dir:     dir,
	}
	child, err := Start(context.Background(), runner, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan Result, 1)
	go func() { done <- Wait(child, opts) }()

	select {
	case res := <-done:
		if !res.Succeeded {
			t.Errorf("expected Succeeded = true, stderr = %q", res.Stderr)
		}
		if len(res.Stdout) < 4096*129 {
			t.Errorf("stdout length = %d, want the full output captured", len(res.Stdout))
		}
	case <-time.After(30 * time.Second):
		t.Fatal("Wait hung on a chatty build subprocess")
	}
}

func TestStart_Wait_PriorOutputSurvivesFailedRebuild(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "dist"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := &shell.Runner{}
	opts := Opts{Command: []string{"false"}, Dir: dir, OutputDir: "dist"}
	child, err := Start(context.Background(), runner, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res := Wait(child, opts)
	if res.Succeeded {
		t.Error("expected Succeeded = false")
	}
	if !res.OutputExists {
		t.Error("expected OutputExists = true, a prior build's dist/ should survive a failed rebuild")
	}
}
