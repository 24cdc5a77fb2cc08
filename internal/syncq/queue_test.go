package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

var (
	errOffline  = errors.New("connection refused")
	errRejected = errors.New("insufficient funds")
)

func TestPushReplacesSameKey(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := q.Push(Command{Method: "POST", Path: "/v1/a"}); err == nil {
		t.Fatalf("expected error without an idempotency key")
	}
	for _, body := range []string{`{"amount_micros":1}`, `{"amount_micros":2}`} {
		if err := q.Push(Command{Method: "POST", Path: "/v1/a", Body: json.RawMessage(body), IdempotencyKey: "k1"}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if err := q.Push(Command{Method: "POST", Path: "/v1/b", IdempotencyKey: "k2"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := q.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].IdempotencyKey != "k1" || string(got[0].Body) != `{"amount_micros":2}` {
		t.Fatalf("queue = %+v", got)
	}
	if got[0].QueuedAt.IsZero() {
		t.Fatalf("queued_at not set")
	}
}

func TestDrainSendsBodyAsQueued(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, err := json.Marshal(map[string]any{"amount_micros": 5, "reason": "fish & chips <3"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := q.Push(Command{Method: "POST", Path: "/v1/transfers", Body: body, IdempotencyKey: "k"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	var sent []byte
	res, err := q.Drain(context.Background(), func(_ context.Context, c Command) error {
		sent = c.Body
		return nil
	}, func(error) bool { return false })
	if err != nil || res.Sent != 1 {
		t.Fatalf("drain = %+v, %v", res, err)
	}
	if string(sent) != string(body) {
		t.Fatalf("sent body %s, queued %s", sent, body)
	}
}

func TestDrainKeepsRetryableAndDropsRejected(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, key := range []string{"ok", "offline", "rejected"} {
		if err := q.Push(Command{Method: "POST", Path: "/v1/" + key, IdempotencyKey: key}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	send := func(_ context.Context, c Command) error {
		switch c.IdempotencyKey {
		case "offline":
			return errOffline
		case "rejected":
			return errRejected
		}
		return nil
	}
	retryable := func(err error) bool { return errors.Is(err, errOffline) }

	res, err := q.Drain(context.Background(), send, retryable)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Sent != 1 || res.Kept != 1 || len(res.Rejected) != 1 || res.Rejected[0].Command.IdempotencyKey != "rejected" {
		t.Fatalf("result = %+v", res)
	}
	left, _ := q.Load()
	if len(left) != 1 || left[0].IdempotencyKey != "offline" || left[0].Attempts != 1 || left[0].LastError == "" {
		t.Fatalf("left = %+v", left)
	}

	if err := q.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if left, _ := q.Load(); len(left) != 0 {
		t.Fatalf("left after clear = %+v", left)
	}
}

func TestDrainStopsOnCancel(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, key := range []string{"a", "b"} {
		_ = q.Push(Command{Method: "POST", Path: "/v1/x", IdempotencyKey: key})
	}
	ctx, cancel := context.WithCancel(context.Background())
	send := func(context.Context, Command) error {
		cancel()
		return nil
	}
	res, err := q.Drain(ctx, send, func(error) bool { return true })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if res.Sent != 1 || res.Kept != 1 {
		t.Fatalf("result = %+v", res)
	}
}
