package pump

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/webordinary/editworker/internal/callback"
	"github.com/webordinary/editworker/internal/gitengine"
	"github.com/webordinary/editworker/internal/queue"
	"github.com/webordinary/editworker/internal/store"
	"github.com/webordinary/editworker/internal/workflow"
)

type successCall struct {
	taskToken string
	payload   callback.SuccessPayload
}

type failureCall struct {
	taskToken string
	reason    callback.Reason
	detail    string
}

type fakeOrchestrator struct {
	mu           sync.Mutex
	heartbeatErr error
	heartbeats   int
	successes    []successCall
	failures     []failureCall
}

func (f *fakeOrchestrator) Heartbeat(ctx context.Context, taskToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeOrchestrator) Success(ctx context.Context, taskToken string, payload callback.SuccessPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, successCall{taskToken, payload})
	return nil
}

func (f *fakeOrchestrator) Failure(ctx context.Context, taskToken string, reason callback.Reason, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failureCall{taskToken, reason, detail})
	return nil
}

func (f *fakeOrchestrator) snapshot() (int, []successCall, []failureCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats, append([]successCall(nil), f.successes...), append([]failureCall(nil), f.failures...)
}

type fakeRunner struct {
	mu     sync.Mutex
	result workflow.Result

	blockUntilAbort bool
	blockUntilCtx   bool
	abortCh         chan struct{}

	runs   int
	aborts int
}

func (f *fakeRunner) Run(ctx context.Context, msg queue.WorkMessage) workflow.Result {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.blockUntilAbort {
		<-f.abortCh
		return workflow.Result{Outcome: workflow.OutcomePreempted}
	}
	if f.blockUntilCtx {
		<-ctx.Done()
		return workflow.Result{Outcome: workflow.OutcomePreempted}
	}
	return f.result
}

func (f *fakeRunner) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	if f.aborts == 1 && f.abortCh != nil {
		close(f.abortCh)
	}
}

func (f *fakeRunner) counts() (runs, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, f.aborts
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPump(t *testing.T, mem *queue.Memory, runner Runner, orch *fakeOrchestrator, opts func(*Config)) (*Pump, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	cfg := Config{
		Project:  "amelia",
		User:     "scott",
		WorkerID: "w1",
		Queue:    mem.AsWork(),
		Jobs:     s,
		Gateway: callback.New(callback.Config{
			Client:       orch,
			RetryBackoff: []time.Duration{time.Millisecond},
		}),
		Runner:      runner,
		PollTimeout: 50 * time.Millisecond,
		SettleWait:  2 * time.Second,
	}
	if opts != nil {
		opts(&cfg)
	}
	return New(cfg), s
}

func validMsg() queue.WorkMessage {
	return queue.WorkMessage{
		TaskToken:   "T1",
		MessageID:   "M1",
		ThreadID:    "abc",
		ProjectID:   "amelia",
		UserID:      "scott",
		RepoURL:     "https://example.com/site.git",
		Instruction: "add a hero section",
	}
}

// runPump starts the pump loop and returns a stop function that cancels it
// and waits for exit.
func runPump(t *testing.T, p *Pump) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("pump did not stop")
			return nil
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_CompletedFlow(t *testing.T) {
	mem := queue.NewMemoryQueue()
	orch := &fakeOrchestrator{}
	runner := &fakeRunner{result: workflow.Result{
		Outcome:      workflow.OutcomeCompleted,
		ChangedPaths: []string{"hero.html"},
		CommitSHA:    "abc123",
		Published:    true,
		Pushed:       true,
	}}
	p, s := newTestPump(t, mem, runner, orch, nil)

	mem.PushWork(validMsg())
	stop := runPump(t, p)

	waitFor(t, func() bool {
		_, successes, _ := orch.snapshot()
		return len(successes) == 1
	}, "success callback")
	if err := stop(); err != nil {
		t.Fatalf("pump returned error: %v", err)
	}

	_, successes, failures := orch.snapshot()
	if len(failures) != 0 {
		t.Errorf("unexpected failure callbacks: %v", failures)
	}
	got := successes[0]
	if got.taskToken != "T1" || !got.payload.Published || !got.payload.Pushed || got.payload.CommitSHA != "abc123" {
		t.Errorf("success payload = %+v", got)
	}
	if mem.ProcessingLen() != 0 {
		t.Error("expected the completed message to be deleted")
	}
	if _, ok, _ := s.GetActiveJob("amelia", "scott"); ok {
		t.Error("expected ActiveJob to be deleted")
	}
}

func TestRun_MalformedMessage(t *testing.T) {
	mem := queue.NewMemoryQueue()
	orch := &fakeOrchestrator{}
	runner := &fakeRunner{}
	p, _ := newTestPump(t, mem, runner, orch, nil)

	msg := validMsg()
	msg.TaskToken = "T9"
	msg.MessageID = "M9"
	msg.RepoURL = ""
	mem.PushWork(msg)
	stop := runPump(t, p)

	waitFor(t, func() bool {
		_, _, failures := orch.snapshot()
		return len(failures) == 1
	}, "malformed-message callback")
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	_, _, failures := orch.snapshot()
	if failures[0].reason != callback.ReasonMalformedMessage || failures[0].taskToken != "T9" {
		t.Errorf("failure = %+v", failures[0])
	}
	if mem.ProcessingLen() != 0 {
		t.Error("malformed message must be deleted, never retried")
	}
	if runs, _ := runner.counts(); runs != 0 {
		t.Errorf("runner invoked %d times for a malformed message", runs)
	}
}

func TestRun_FailedFlow(t *testing.T) {
	mem := queue.NewMemoryQueue()
	orch := &fakeOrchestrator{}
	runner := &fakeRunner{result: workflow.Result{
		Outcome:       workflow.OutcomeFailed,
		FailureReason: callback.ReasonClaudeFailed,
		Diagnostics:   []string{"edit subprocess: exit 3"},
	}}
	p, s := newTestPump(t, mem, runner, orch, nil)

	mem.PushWork(validMsg())
	stop := runPump(t, p)

	waitFor(t, func() bool {
		_, _, failures := orch.snapshot()
		return len(failures) == 1
	}, "failure callback")
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	_, _, failures := orch.snapshot()
	if failures[0].reason != callback.ReasonClaudeFailed {
		t.Errorf("reason = %s", failures[0].reason)
	}
	if failures[0].detail == "" {
		t.Error("expected diagnostic detail")
	}
	if mem.ProcessingLen() != 0 {
		t.Error("failed message should be deleted")
	}
	if _, ok, _ := s.GetActiveJob("amelia", "scott"); ok {
		t.Error("expected ActiveJob to be deleted")
	}
}

func TestPreempt_FinalizesExactlyOnce(t *testing.T) {
	mem := queue.NewMemoryQueue()
	orch := &fakeOrchestrator{}
	runner := &fakeRunner{blockUntilAbort: true, abortCh: make(chan struct{})}
	p, s := newTestPump(t, mem, runner, orch, nil)

	mem.PushWork(validMsg())
	stop := runPump(t, p)

	waitFor(t, func() bool {
		_, ok := p.Current()
		return ok
	}, "message pickup")

	if !p.Preempt(context.Background()) {
		t.Fatal("Preempt returned false with a job in flight")
	}

	waitFor(t, func() bool {
		_, ok := p.Current()
		return !ok
	}, "job teardown")
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	_, successes, failures := orch.snapshot()
	if len(successes) != 0 {
		t.Errorf("unexpected success callbacks: %v", successes)
	}
	if len(failures) != 1 {
		t.Fatalf("expected exactly one PREEMPTED callback, got %v", failures)
	}
	if failures[0].reason != callback.ReasonPreempted {
		t.Errorf("reason = %s, want PREEMPTED", failures[0].reason)
	}
	if mem.ProcessingLen() != 0 {
		t.Error("preempted message must be deleted to unblock the FIFO")
	}
	if _, ok, _ := s.GetActiveJob("amelia", "scott"); ok {
		t.Error("expected ActiveJob to be deleted")
	}
	if _, aborts := runner.counts(); aborts == 0 {
		t.Error("expected the runner to be aborted")
	}
}

func TestPreempt_NoJobInFlight(t *testing.T) {
	mem := queue.NewMemoryQueue()
	orch := &fakeOrchestrator{}
	p, _ := newTestPump(t, mem, &fakeRunner{}, orch, nil)

	if p.Preempt(context.Background()) {
		t.Fatal("Preempt with no job must return false")
	}
	_, successes, failures := orch.snapshot()
	if len(successes)+len(failures) != 0 {
		t.Error("no callbacks expected")
	}
}

func TestRun_HeartbeatLost(t *testing.T) {
	mem := queue.NewMemoryQueue()
	orch := &fakeOrchestrator{heartbeatErr: errors.New("orchestrator down")}
	runner := &fakeRunner{blockUntilAbort: true, abortCh: make(chan struct{})}
	p, _ := newTestPump(t, mem, runner, orch, func(c *Config) {
		c.HeartbeatPeriod = 10 * time.Millisecond
		c.HeartbeatFailureThreshold = 2
	})

	mem.PushWork(validMsg())
	stop := runPump(t, p)

	waitFor(t, func() bool {
		_, _, failures := orch.snapshot()
		return len(failures) == 1
	}, "heartbeat-lost callback")
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	_, _, failures := orch.snapshot()
	if failures[0].reason != callback.ReasonHeartbeatLost {
		t.Errorf("reason = %s, want HEARTBEAT_LOST", failures[0].reason)
	}
	if mem.ProcessingLen() != 1 {
		t.Error("message must be left for redelivery after heartbeat loss")
	}
}

func TestRun_OwnerShutdownSkipsTerminalActions(t *testing.T) {
	mem := queue.NewMemoryQueue()
	orch := &fakeOrchestrator{}
	runner := &fakeRunner{blockUntilCtx: true}
	p, _ := newTestPump(t, mem, runner, orch, nil)

	mem.PushWork(validMsg())
	stop := runPump(t, p)

	waitFor(t, func() bool {
		_, ok := p.Current()
		return ok
	}, "message pickup")

	if err := stop(); err != nil {
		t.Fatalf("pump returned error: %v", err)
	}

	_, successes, failures := orch.snapshot()
	if len(successes)+len(failures) != 0 {
		t.Errorf("no callbacks expected on owner shutdown, got %v / %v", successes, failures)
	}
	if mem.ProcessingLen() != 1 {
		t.Error("message must be left for the next owner to redeliver")
	}
}

func TestRun_AuthFailureSurrendersClaim(t *testing.T) {
	mem := queue.NewMemoryQueue()
	orch := &fakeOrchestrator{}
	runner := &fakeRunner{result: workflow.Result{
		Outcome:       workflow.OutcomeFailed,
		FailureReason: callback.ReasonInternal,
		Diagnostics:   []string{"authentication failed"},
		Err:           &gitengine.AuthError{Cause: errors.New("bad credentials")},
	}}
	p, _ := newTestPump(t, mem, runner, orch, nil)

	mem.PushWork(validMsg())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.Run(ctx)
	if err == nil {
		t.Fatal("expected a claim-fatal error for git auth failure")
	}
	var authErr *gitengine.AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("error = %v, want AuthError", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*queue.WorkMessage)
		valid  bool
	}{
		{"valid", func(m *queue.WorkMessage) {}, true},
		{"missing task token", func(m *queue.WorkMessage) { m.TaskToken = "" }, false},
		{"missing message id", func(m *queue.WorkMessage) { m.MessageID = "" }, false},
		{"missing thread id", func(m *queue.WorkMessage) { m.ThreadID = "" }, false},
		{"missing repo url", func(m *queue.WorkMessage) { m.RepoURL = "" }, false},
		{"missing instruction", func(m *queue.WorkMessage) { m.Instruction = "" }, false},
		{"wrong owner", func(m *queue.WorkMessage) { m.ProjectID = "bella" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validMsg()
			tt.mutate(&msg)
			err := Validate(msg, "amelia", "scott")
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
