package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPOrchestrator is the concrete Orchestrator implementation used outside
// tests: a small JSON-over-HTTP client posting to the three task-token
// endpoints the orchestrator exposes.
type HTTPOrchestrator struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPOrchestrator returns an HTTPOrchestrator with a bounded per-call
// timeout; no callback may hang the pipeline indefinitely.
func NewHTTPOrchestrator(baseURL string) *HTTPOrchestrator {
	return &HTTPOrchestrator{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (o *HTTPOrchestrator) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding callback body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, detail)
	}
	return nil
}

func (o *HTTPOrchestrator) Heartbeat(ctx context.Context, taskToken string) error {
	return o.post(ctx, "/tasks/heartbeat", map[string]string{"taskToken": taskToken})
}

func (o *HTTPOrchestrator) Success(ctx context.Context, taskToken string, payload SuccessPayload) error {
	return o.post(ctx, "/tasks/success", map[string]any{
		"taskToken":    taskToken,
		"changedPaths": payload.ChangedPaths,
		"commitSha":    payload.CommitSHA,
		"published":    payload.Published,
		"pushed":       payload.Pushed,
	})
}

func (o *HTTPOrchestrator) Failure(ctx context.Context, taskToken string, reason Reason, detail string) error {
	return o.post(ctx, "/tasks/failure", map[string]any{
		"taskToken": taskToken,
		"reason":    reason,
		"detail":    detail,
	})
}
