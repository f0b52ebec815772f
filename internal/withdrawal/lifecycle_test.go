package withdrawal

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/ledger"
	"github.com/tipfolio-app/tipfolio/internal/wallet"
)

const userID = "11111111-1111-1111-1111-111111111111"

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

func expectWalletLock(mock pgxmock.PgxPoolIface, balance, locked int64) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, locked, total_earned, updated_at")).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "balance", "locked", "total_earned", "updated_at"}).
			AddRow(userID, balance, locked, int64(0), time.Now()))
}

func TestSubmitLocksFunds(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	expectWalletLock(mock, 5000, 0)
	mock.ExpectExec(regexp.QuoteMeta("locked = locked + $1")).
		WithArgs(int64(3000), userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO withdrawals")).
		WithArgs(pgxmock.AnyArg(), userID, int64(3000), "bank_transfer", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(pgxmock.AnyArg(), userID, ledger.KindWithdrawRequest, int64(-3000),
			pgxmock.AnyArg(), ledger.StatusPending, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	req, err := Submit(context.Background(), userID, 3000, "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if req.Status != StatusPending {
		t.Errorf("expected pending status, got %s", req.Status)
	}
	if req.Method != "bank_transfer" {
		t.Errorf("expected default method, got %s", req.Method)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSubmitInsufficientBalance(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	expectWalletLock(mock, 2000, 0)
	mock.ExpectRollback()

	_, err := Submit(context.Background(), userID, 3000, "bank_transfer")
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestSubmitRejectsNonPositiveAmount(t *testing.T) {
	if _, err := Submit(context.Background(), userID, 0, ""); !errors.Is(err, wallet.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func expectPendingWithdrawalLock(mock pgxmock.PgxPoolIface, withdrawalID, status string) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, amount, method, status, created_at")).
		WithArgs(withdrawalID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "amount", "method", "status", "created_at"}).
			AddRow(withdrawalID, userID, int64(3000), "bank_transfer", status, time.Now()))
}

func TestProcessApproveReleasesLockedFunds(t *testing.T) {
	mock := newMockPool(t)
	wid := "33333333-3333-3333-3333-333333333333"

	mock.ExpectBegin()
	expectPendingWithdrawalLock(mock, wid, StatusPending)
	expectWalletLock(mock, 2000, 3000)
	mock.ExpectExec(regexp.QuoteMeta("SET locked = locked - $1")).
		WithArgs(int64(3000), userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_entries")).
		WithArgs(ledger.StatusCompleted, userID, ledger.KindWithdrawRequest, wid).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE withdrawals")).
		WithArgs(StatusApproved, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), wid).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	req, err := Process(context.Background(), wid, true, "looks good", "po_123")
	if err != nil {
		t.Fatalf("Process approve failed: %v", err)
	}
	if req.Status != StatusApproved {
		t.Errorf("expected approved, got %s", req.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessRejectReturnsFundsToBalance(t *testing.T) {
	mock := newMockPool(t)
	wid := "33333333-3333-3333-3333-333333333333"

	mock.ExpectBegin()
	expectPendingWithdrawalLock(mock, wid, StatusPending)
	expectWalletLock(mock, 2000, 3000)
	mock.ExpectExec(regexp.QuoteMeta("balance = balance + $1, locked = locked - $1")).
		WithArgs(int64(3000), userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_entries")).
		WithArgs(ledger.StatusFailed, userID, ledger.KindWithdrawRequest, wid).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE withdrawals")).
		WithArgs(StatusRejected, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), wid).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	req, err := Process(context.Background(), wid, false, "mismatch", "")
	if err != nil {
		t.Fatalf("Process reject failed: %v", err)
	}
	if req.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", req.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessAlreadyProcessed(t *testing.T) {
	mock := newMockPool(t)
	wid := "33333333-3333-3333-3333-333333333333"

	mock.ExpectBegin()
	expectPendingWithdrawalLock(mock, wid, StatusApproved)
	mock.ExpectRollback()

	_, err := Process(context.Background(), wid, true, "", "")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestProcessUnknownWithdrawal(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, amount, method, status, created_at")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := Process(context.Background(), "missing", true, "", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcilePayoutFailedAfterApproval(t *testing.T) {
	mock := newMockPool(t)
	wid := "33333333-3333-3333-3333-333333333333"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, amount, status FROM withdrawals WHERE payout_id")).
		WithArgs("po_123").
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "amount", "status"}).
			AddRow(wid, userID, int64(3000), StatusApproved))
	expectWalletLock(mock, 2000, 0)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET balance = balance + $1")).
		WithArgs(int64(3000), userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(pgxmock.AnyArg(), userID, ledger.KindDeposit, int64(3000),
			pgxmock.AnyArg(), ledger.StatusCompleted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE withdrawals")).
		WithArgs("failed", wid).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := ReconcilePayout(context.Background(), "po_123", "failed"); err != nil {
		t.Fatalf("ReconcilePayout failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReconcilePayoutPaidIsNoOp(t *testing.T) {
	mock := newMockPool(t)
	wid := "33333333-3333-3333-3333-333333333333"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, amount, status FROM withdrawals WHERE payout_id")).
		WithArgs("po_123").
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "amount", "status"}).
			AddRow(wid, userID, int64(3000), StatusApproved))
	mock.ExpectRollback()

	if err := ReconcilePayout(context.Background(), "po_123", "paid"); err != nil {
		t.Fatalf("paid reconciliation should be a no-op, got %v", err)
	}
}

func TestReconcilePayoutUnknownPayoutDropped(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, amount, status FROM withdrawals WHERE payout_id")).
		WithArgs("po_unknown").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	if err := ReconcilePayout(context.Background(), "po_unknown", "failed"); err != nil {
		t.Fatalf("unknown payout must be dropped silently, got %v", err)
	}
}
