// Package postgres is the authoritative store shared by every game-server process.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"realmecon/internal/econ"
	"realmecon/internal/store"
)

const (
	maxAttempts   = 8
	firstRetry    = 75 * time.Millisecond
	maxRetryDelay = 1200 * time.Millisecond
)

type Store struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger}
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	retryDelay := firstRetry
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return classify(err)
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(ctx, &pgTx{tx: tx}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return classify(err)
		}
		if attempt == maxAttempts-1 {
			break
		}
		s.log.Debug("retrying conflicting transaction", "attempt", attempt+1, "err", err)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < maxRetryDelay {
			retryDelay *= 2
		}
	}
	return econ.ErrConcurrentModification
}

// isRetryable matches serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// classify keeps domain errors as they are and maps connectivity failures to
// ErrStoreUnavailable. Anything else is returned wrapped for the logs.
func classify(err error) error {
	var de *econ.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) || errors.Is(err, net.ErrClosed) {
		return econ.Wrap(econ.CodeStoreUnavailable, econ.ErrStoreUnavailable.Message, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		// check constraint: a balance would have gone negative
		return econ.Wrap(econ.CodeInsufficientFunds, econ.ErrInsufficientFunds.Message, err)
	}
	return fmt.Errorf("store: %w", err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error, domain *econ.Error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain
	}
	return err
}
