package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*Redis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client), client
}

func pushJSON(t *testing.T, client *redis.Client, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.LPush(context.Background(), key, string(data)).Err(); err != nil {
		t.Fatal(err)
	}
}

func TestRedisWork_PollDecodesAndDeletes(t *testing.T) {
	r, client := newTestRedis(t)
	ctx := context.Background()

	want := WorkMessage{
		TaskToken:   "T1",
		MessageID:   "M1",
		ThreadID:    "abc",
		ProjectID:   "amelia",
		UserID:      "scott",
		RepoURL:     "https://example.com/site.git",
		Instruction: "add a hero section",
	}
	pushJSON(t, client, "work:amelia#scott", want)

	q := r.Work("amelia", "scott", "work:%s#%s")
	got, receipt, ok, err := q.Poll(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("Poll ok=%t err=%v", ok, err)
	}
	if got != want {
		t.Errorf("message = %+v, want %+v", got, want)
	}

	// The message moved to the processing list and is removed on Delete.
	if n := client.LLen(ctx, "work:amelia#scott:processing").Val(); n != 1 {
		t.Fatalf("processing len = %d, want 1", n)
	}
	if err := q.Delete(ctx, receipt); err != nil {
		t.Fatal(err)
	}
	if n := client.LLen(ctx, "work:amelia#scott:processing").Val(); n != 0 {
		t.Errorf("processing len after delete = %d", n)
	}
}

func TestRedisWork_FIFOOrder(t *testing.T) {
	r, client := newTestRedis(t)
	ctx := context.Background()

	pushJSON(t, client, "work:amelia#scott", WorkMessage{MessageID: "M1"})
	pushJSON(t, client, "work:amelia#scott", WorkMessage{MessageID: "M2"})

	q := r.Work("amelia", "scott", "work:%s#%s")
	first, _, _, err := q.Poll(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	second, _, _, err := q.Poll(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if first.MessageID != "M1" || second.MessageID != "M2" {
		t.Errorf("order = %s, %s; want M1, M2", first.MessageID, second.MessageID)
	}
}

func TestRedisUnclaimed_ReturnRequeues(t *testing.T) {
	r, client := newTestRedis(t)
	ctx := context.Background()

	pushJSON(t, client, "unclaimed", ClaimRequest{Project: "amelia", User: "scott", QueueURL: "work:amelia#scott"})

	q := r.Unclaimed("unclaimed")
	req, receipt, ok, err := q.Poll(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("Poll ok=%t err=%v", ok, err)
	}
	if req.Project != "amelia" || req.User != "scott" {
		t.Errorf("request = %+v", req)
	}

	if err := q.Return(ctx, receipt); err != nil {
		t.Fatal(err)
	}
	if n := client.LLen(ctx, "unclaimed:processing").Val(); n != 0 {
		t.Errorf("processing len after return = %d", n)
	}

	again, _, ok, err := q.Poll(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("second Poll ok=%t err=%v", ok, err)
	}
	if again.Project != "amelia" {
		t.Errorf("returned request = %+v", again)
	}
}

func TestRedisInterrupt_Decodes(t *testing.T) {
	r, client := newTestRedis(t)
	ctx := context.Background()

	ts := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	pushJSON(t, client, "interrupt:amelia#scott", InterruptMessage{
		ProjectID:    "amelia",
		UserID:       "scott",
		OldMessageID: "M1",
		NewMessageID: "M2",
		Timestamp:    ts,
	})

	q := r.Interrupt("amelia", "scott", "interrupt:%s#%s")
	msg, _, ok, err := q.Poll(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("Poll ok=%t err=%v", ok, err)
	}
	if msg.OldMessageID != "M1" || msg.NewMessageID != "M2" || !msg.Timestamp.Equal(ts) {
		t.Errorf("message = %+v", msg)
	}
}

func TestRedisWork_UndecodableMessageIsAnError(t *testing.T) {
	r, client := newTestRedis(t)
	ctx := context.Background()

	if err := client.LPush(ctx, "work:amelia#scott", "{not json").Err(); err != nil {
		t.Fatal(err)
	}

	q := r.Work("amelia", "scott", "work:%s#%s")
	_, receipt, ok, err := q.Poll(ctx, time.Second)
	if err == nil || ok {
		t.Fatalf("expected decode error, ok=%t", ok)
	}
	// The raw payload is still returned as the receipt so the caller can
	// delete the poison message.
	if receipt == "" {
		t.Error("expected the raw payload as receipt")
	}
}
