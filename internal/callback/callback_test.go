package callback

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeOrchestrator struct {
	mu          sync.Mutex
	heartbeats  []string
	successes   []SuccessPayload
	failures    []Reason
	failUntil   int
	calls       int
}

func (f *fakeOrchestrator) Heartbeat(ctx context.Context, taskToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("transient")
	}
	f.heartbeats = append(f.heartbeats, taskToken)
	return nil
}

func (f *fakeOrchestrator) Success(ctx context.Context, taskToken string, payload SuccessPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("transient")
	}
	f.successes = append(f.successes, payload)
	return nil
}

func (f *fakeOrchestrator) Failure(ctx context.Context, taskToken string, reason Reason, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("transient")
	}
	f.failures = append(f.failures, reason)
	return nil
}

func TestGatewayReportSuccessRetriesTransientFailure(t *testing.T) {
	fake := &fakeOrchestrator{failUntil: 2}
	gw := New(Config{Client: fake})

	err := gw.ReportSuccess(context.Background(), "T1", SuccessPayload{Pushed: true})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if len(fake.successes) != 1 {
		t.Fatalf("expected exactly one recorded success, got %d", len(fake.successes))
	}
}

func TestGatewayReportFailureNeverPanics(t *testing.T) {
	fake := &fakeOrchestrator{}
	gw := New(Config{Client: fake})

	if err := gw.ReportFailure(context.Background(), "T9", ReasonMalformedMessage, "repoUrl missing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.failures) != 1 || fake.failures[0] != ReasonMalformedMessage {
		t.Fatalf("expected one MALFORMED_MESSAGE failure, got %+v", fake.failures)
	}
}

func TestGatewayHeartbeatFailureIsReturnedNotPanicked(t *testing.T) {
	fake := &fakeOrchestrator{failUntil: 1000}
	gw := New(Config{Client: fake})

	if err := gw.Heartbeat(context.Background(), "T1"); err == nil {
		t.Fatal("expected heartbeat error to propagate to caller")
	}
}
