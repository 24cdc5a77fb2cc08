package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"realmecon/internal/config"
	"realmecon/internal/db"
	"realmecon/internal/econ"
	"realmecon/internal/ledger"
)

const coin = econ.MicrosPerCoin

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"domain error", econ.ErrInsufficientFunds, false},
	}
	for _, tc := range tests {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: isRetryable = %v", tc.name, got)
		}
	}
}

func TestClassify(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	tests := []struct {
		name string
		err  error
		want econ.Code
	}{
		{"domain error kept", econ.ErrAccountNotFound, econ.CodeAccountNotFound},
		{"network failure", dial, econ.CodeStoreUnavailable},
		{"closed pool", fmt.Errorf("acquire: %w", net.ErrClosed), econ.CodeStoreUnavailable},
		{"negative balance check", &pgconn.PgError{Code: "23514"}, econ.CodeInsufficientFunds},
		{"anything else", &pgconn.PgError{Code: "42P01"}, econ.CodeInternal},
	}
	for _, tc := range tests {
		if got := econ.CodeOf(classify(tc.err)); got != tc.want {
			t.Fatalf("%s: code = %q, want %q", tc.name, got, tc.want)
		}
	}
	if err := classify(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation should pass through, got %v", err)
	}
}

// testStore connects to REALM_TEST_DATABASE_URL and applies the migrations.
// Tests that need it are skipped when the variable is unset.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("REALM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("REALM_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, config.DBConfig{URL: dsn, MaxConns: 12, MinConns: 1}, "realm-test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.Migrate(ctx, pool, nil); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	st := New(pool, nil)
	t.Cleanup(st.Close)
	return st
}

func testLedger(st *Store) *ledger.Ledger {
	return ledger.New(st, ledger.Config{
		StartingBalanceMicros: 100 * coin,
		SavingsCapMicros:      1000 * coin,
		TransferFeeRate:       decimal.Zero,
		MaxTaxRateBps:         5000,
		FeeSink:               "system:fees",
	}, nil, nil)
}

// owner returns an id that does not collide with earlier runs on the same database.
func owner(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func TestConcurrentTransfersRetryAndBalance(t *testing.T) {
	st := testStore(t)
	l := testLedger(st)
	ctx := context.Background()
	from, to := owner("from"), owner("to")
	for _, o := range []string{from, to} {
		if _, err := l.Open(ctx, o); err != nil {
			t.Fatalf("open %s: %v", o, err)
		}
	}

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 5; i++ {
				_, err := l.Transfer(gctx, ledger.TransferInput{
					From:         econ.AccountParty(from),
					To:           econ.AccountParty(to),
					AmountMicros: coin,
				})
				switch {
				case err == nil:
					sent.Add(1)
				case errors.Is(err, econ.ErrConcurrentModification):
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	n := sent.Load()
	if n == 0 {
		t.Fatalf("no transfer committed")
	}
	a, err := st.GetAccount(ctx, from)
	if err != nil {
		t.Fatalf("get %s: %v", from, err)
	}
	b, err := st.GetAccount(ctx, to)
	if err != nil {
		t.Fatalf("get %s: %v", to, err)
	}
	if a.BalanceMicros != 100*coin-n*coin || b.BalanceMicros != 100*coin+n*coin {
		t.Fatalf("after %d transfers: from=%d to=%d", n, a.BalanceMicros, b.BalanceMicros)
	}
	tot, err := st.Totals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !tot.Balanced() {
		t.Fatalf("supply %d != minted %d - burned %d", tot.Supply(), tot.MintedMicros, tot.BurnedMicros)
	}
}

func TestFailedCommandsRollBack(t *testing.T) {
	st := testStore(t)
	l := testLedger(st)
	ctx := context.Background()
	from, to := owner("from"), owner("to")
	for _, o := range []string{from, to} {
		if _, err := l.Open(ctx, o); err != nil {
			t.Fatalf("open %s: %v", o, err)
		}
	}
	in := ledger.TransferInput{From: econ.AccountParty(from), To: econ.AccountParty(to), AmountMicros: 101 * coin}
	if _, err := l.Transfer(ctx, in); !errors.Is(err, econ.ErrInsufficientFunds) {
		t.Fatalf("overdraw err = %v", err)
	}

	in.AmountMicros = coin
	in.IdempotencyKey = uuid.NewString()
	if _, err := l.Transfer(ctx, in); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := l.Transfer(ctx, in); !errors.Is(err, econ.ErrDuplicateRequest) {
		t.Fatalf("replay err = %v", err)
	}
	a, err := st.GetAccount(ctx, from)
	if err != nil || a.BalanceMicros != 99*coin {
		t.Fatalf("from = %+v, %v", a, err)
	}
	if _, err := st.GetAccount(ctx, owner("ghost")); !errors.Is(err, econ.ErrAccountNotFound) {
		t.Fatalf("missing account err = %v", err)
	}
}
