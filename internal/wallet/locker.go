package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// LockOrder returns the two wallet ids in the global lock order (ascending
// id). Operations that lock two wallets must acquire the row locks in this
// order regardless of which party initiated the request, so two opposing
// settlements can never deadlock on each other.
func LockOrder(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// LockPairForUpdate locks two distinct wallets in global order and returns
// them keyed by user id.
func LockPairForUpdate(ctx context.Context, tx pgx.Tx, a, b string) (map[string]*Wallet, error) {
	first, second := LockOrder(a, b)
	wallets := make(map[string]*Wallet, 2)

	w1, err := LockForUpdate(ctx, tx, first)
	if err != nil {
		return nil, err
	}
	wallets[first] = w1

	w2, err := LockForUpdate(ctx, tx, second)
	if err != nil {
		return nil, err
	}
	wallets[second] = w2

	return wallets, nil
}

// Postgres error codes that warrant a retry of the whole transaction.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// retryable reports whether err is store-level contention unrelated to our
// lock ordering (the ordering itself removes cyclic waits; this is the
// defense-in-depth net).
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

// WithRetry runs fn, retrying up to attempts times with linear backoff when
// the store reports transient contention. fn must be safe to re-run from the
// top (it owns its transaction).
func WithRetry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return err
}
