package wallet

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/tipfolio-app/tipfolio/internal/db"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	orig := db.Conn
	db.Conn = mock
	t.Cleanup(func() {
		db.Conn = orig
		mock.Close()
	})
	return mock
}

func walletRow(userID string, balance, locked, totalEarned int64) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"user_id", "balance", "locked", "total_earned", "updated_at"}).
		AddRow(userID, balance, locked, totalEarned, time.Now())
}

func TestCreditWritesLedgerEntry(t *testing.T) {
	mock := newMockPool(t)
	userID := "11111111-1111-1111-1111-111111111111"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, locked, total_earned, updated_at")).
		WithArgs(userID).
		WillReturnRows(walletRow(userID, 1000, 0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET balance = balance + $1")).
		WithArgs(int64(500), userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(pgxmock.AnyArg(), userID, "deposit", int64(500), (*string)(nil), "completed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if err := Credit(context.Background(), userID, 500, "deposit", nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	if err := Credit(context.Background(), "user", 0, "deposit", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := Credit(context.Background(), "user", -5, "deposit", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	mock := newMockPool(t)
	userID := "11111111-1111-1111-1111-111111111111"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, locked, total_earned, updated_at")).
		WithArgs(userID).
		WillReturnRows(walletRow(userID, 100, 0, 0))
	mock.ExpectRollback()

	err := Debit(context.Background(), userID, 500, "purchase", nil)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDebitDoesNotTouchLockedFunds(t *testing.T) {
	mock := newMockPool(t)
	userID := "11111111-1111-1111-1111-111111111111"

	// Balance 2000 with 3000 locked: a 2500 debit must fail even though
	// balance plus locked would cover it.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, locked, total_earned, updated_at")).
		WithArgs(userID).
		WillReturnRows(walletRow(userID, 2000, 3000, 0))
	mock.ExpectRollback()

	err := Debit(context.Background(), userID, 2500, "purchase", nil)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestLockForUpdateMissingWallet(t *testing.T) {
	mock := newMockPool(t)
	userID := "22222222-2222-2222-2222-222222222222"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, locked, total_earned, updated_at")).
		WithArgs(userID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	tx, err := db.Conn.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	if _, err := LockForUpdate(context.Background(), tx, userID); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}
