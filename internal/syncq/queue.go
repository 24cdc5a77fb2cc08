// Package syncq keeps commands that never reached the API so they can be
// replayed later under their original idempotency keys.
package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Command struct {
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Body           json.RawMessage `json:"body,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	QueuedAt       time.Time       `json:"queued_at"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
}

// Failure is a queued command the API rejected for good.
type Failure struct {
	Command Command
	Err     error
}

type Result struct {
	Sent     int
	Kept     int
	Rejected []Failure
}

// Queue is a JSON file of pending commands. It is not safe to share one file
// between processes.
type Queue struct {
	mu   sync.Mutex
	path string
}

func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Queue{path: filepath.Join(dir, "queue.json")}, nil
}

func (q *Queue) Load() ([]Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

func (q *Queue) load() ([]Command, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("read %s: %w", q.path, err)
	}
	return out, nil
}

func (q *Queue) save(commands []Command) error {
	raw, err := json.Marshal(commands)
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// Push appends cmd, replacing an entry with the same idempotency key.
func (q *Queue) Push(cmd Command) error {
	if cmd.IdempotencyKey == "" {
		return fmt.Errorf("queued commands need an idempotency key")
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	commands, err := q.load()
	if err != nil {
		return err
	}
	for i, c := range commands {
		if c.IdempotencyKey == cmd.IdempotencyKey {
			cmd.Attempts = c.Attempts
			commands[i] = cmd
			return q.save(commands)
		}
	}
	return q.save(append(commands, cmd))
}

func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Drain sends queued commands in order. A command whose error is retryable
// stays queued with its attempt count bumped; anything else leaves the queue.
// Drain stops early when ctx is done and keeps whatever was not tried.
func (q *Queue) Drain(ctx context.Context, send func(context.Context, Command) error, retryable func(error) bool) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	commands, err := q.load()
	if err != nil {
		return Result{}, err
	}
	var res Result
	kept := make([]Command, 0, len(commands))
	for i, c := range commands {
		if ctx.Err() != nil {
			kept = append(kept, commands[i:]...)
			break
		}
		err := send(ctx, c)
		switch {
		case err == nil:
			res.Sent++
		case retryable(err):
			c.Attempts++
			c.LastError = err.Error()
			kept = append(kept, c)
		default:
			res.Rejected = append(res.Rejected, Failure{Command: c, Err: err})
		}
	}
	res.Kept = len(kept)
	if err := q.save(kept); err != nil {
		return res, err
	}
	return res, ctx.Err()
}
