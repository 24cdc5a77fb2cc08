package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listen holds one pooled connection in LISTEN mode on every topic channel and
// republishes received notifications on bus. It reconnects until ctx is done.
func Listen(ctx context.Context, pool *pgxpool.Pool, bus *Bus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	backoff := 250 * time.Millisecond
	for {
		err := listenOnce(ctx, pool, bus, logger)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("notification listener disconnected", "err", err, "retry_in", backoff)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

func listenOnce(ctx context.Context, pool *pgxpool.Pool, bus *Bus, logger *slog.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener conn: %w", err)
	}
	defer conn.Release()

	for _, topic := range Topics {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic.Channel()}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", topic, err)
		}
	}
	logger.Info("notification listener ready")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		ev, err := Decode(n.Payload)
		if err != nil {
			logger.Warn("dropping malformed notification", "channel", n.Channel, "err", err)
			continue
		}
		bus.Publish(ev)
	}
}
