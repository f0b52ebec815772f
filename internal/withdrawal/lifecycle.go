package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tipfolio-app/tipfolio/internal/alerts"
	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/ledger"
	"github.com/tipfolio-app/tipfolio/internal/logging"
	"github.com/tipfolio-app/tipfolio/internal/monitoring"
	"github.com/tipfolio-app/tipfolio/internal/wallet"
)

var logger = logging.NewLoggerWithService("tipfolio")

// Submit creates a pending withdrawal: the amount moves from balance into
// locked and a pending ledger entry is written, all in one transaction on the
// single locked wallet row.
func Submit(ctx context.Context, userID string, amount int64, method string) (*Request, error) {
	if amount <= 0 {
		return nil, wallet.ErrInvalidAmount
	}
	if method == "" {
		method = "bank_transfer"
	}

	req := &Request{
		ID:     uuid.New().String(),
		UserID: userID,
		Amount: amount,
		Method: method,
		Status: StatusPending,
	}

	err := wallet.WithRetry(ctx, 3, func(ctx context.Context) error {
		tx, err := db.Conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin withdrawal tx: %w", err)
		}
		defer tx.Rollback(ctx)

		w, err := wallet.LockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Balance < amount {
			return wallet.ErrInsufficientFunds
		}
		if err := wallet.MoveToLockedTx(ctx, tx, userID, amount); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO withdrawals (id, user_id, amount, method, status, created_at)
			 VALUES ($1, $2, $3, $4, 'pending', $5)`,
			req.ID, userID, amount, method, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}

		ref := req.ID
		if _, err := ledger.InsertTx(ctx, tx, ledger.Entry{
			WalletID:  userID,
			Kind:      ledger.KindWithdrawRequest,
			Amount:    -amount,
			Reference: &ref,
			Status:    ledger.StatusPending,
		}); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	monitoring.WithdrawalTransitions.WithLabelValues(StatusPending).Inc()
	logger.WithFields(logging.Fields{
		"withdrawal_id": req.ID,
		"user_id":       userID,
		"amount":        amount,
	}).Info("Withdrawal requested, funds locked")

	return req, nil
}

// Process resolves a pending request. Approve releases the locked funds out
// of the system (the payout itself is the gateway's job); reject returns them
// to spendable balance. Both paths finalize the paired ledger entry.
func Process(ctx context.Context, withdrawalID string, approve bool, notes, payoutID string) (*Request, error) {
	var req Request

	err := wallet.WithRetry(ctx, 3, func(ctx context.Context) error {
		tx, err := db.Conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin process tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`SELECT id, user_id, amount, method, status, created_at
			 FROM withdrawals
			 WHERE id = $1
			 FOR UPDATE`,
			withdrawalID,
		).Scan(&req.ID, &req.UserID, &req.Amount, &req.Method, &req.Status, &req.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock withdrawal: %w", err)
		}
		if req.Status != StatusPending {
			return ErrAlreadyProcessed
		}

		// Same single-wallet lock path as settlement, so a concurrent
		// settlement on this wallet cannot deadlock with us.
		if _, err := wallet.LockForUpdate(ctx, tx, req.UserID); err != nil {
			return err
		}

		now := time.Now()
		if approve {
			if err := wallet.ReleaseLockedTx(ctx, tx, req.UserID, req.Amount, false); err != nil {
				return err
			}
			if err := ledger.SetStatusTx(ctx, tx, req.UserID, ledger.KindWithdrawRequest, req.ID, ledger.StatusCompleted); err != nil {
				return err
			}
			req.Status = StatusApproved
		} else {
			if err := wallet.ReleaseLockedTx(ctx, tx, req.UserID, req.Amount, true); err != nil {
				return err
			}
			if err := ledger.SetStatusTx(ctx, tx, req.UserID, ledger.KindWithdrawRequest, req.ID, ledger.StatusFailed); err != nil {
				return err
			}
			req.Status = StatusRejected
		}
		req.ProcessedAt = &now

		var payout *string
		if payoutID != "" {
			payout = &payoutID
		}
		var adminNotes *string
		if notes != "" {
			adminNotes = &notes
		}
		_, err = tx.Exec(ctx,
			`UPDATE withdrawals
			 SET status = $1, admin_notes = $2, payout_id = $3, processed_at = $4
			 WHERE id = $5`,
			req.Status, adminNotes, payout, now, req.ID,
		)
		if err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}
		req.AdminNotes = adminNotes
		req.PayoutID = payout

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	monitoring.WithdrawalTransitions.WithLabelValues(req.Status).Inc()
	logger.WithFields(logging.Fields{
		"withdrawal_id": req.ID,
		"user_id":       req.UserID,
		"status":        req.Status,
	}).Info("Withdrawal processed")

	kind := "withdrawal_approved"
	body := "Your withdrawal has been approved and the payout is on its way."
	if !approve {
		kind = "withdrawal_rejected"
		body = "Your withdrawal was rejected; the funds are back in your balance."
	}
	_ = alerts.EnqueueNotify([]string{req.UserID}, kind, "Withdrawal update", body, req.ID)

	return &req, nil
}

// ReconcilePayout applies a gateway payout event to the owning withdrawal.
// Outcomes are idempotent against the recorded status: a paid event for an
// approved request is a no-op, a failed or canceled payout after approval
// returns the funds and finalizes the request as rejected. Unknown payout ids
// are logged and dropped.
func ReconcilePayout(ctx context.Context, payoutID, outcome string) error {
	tx, err := db.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin payout reconcile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var req Request
	err = tx.QueryRow(ctx,
		`SELECT id, user_id, amount, status FROM withdrawals WHERE payout_id = $1 FOR UPDATE`,
		payoutID,
	).Scan(&req.ID, &req.UserID, &req.Amount, &req.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.WithField("payout_id", payoutID).Warn("Payout event for unknown withdrawal, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock withdrawal by payout: %w", err)
	}

	switch outcome {
	case "paid":
		// Approval already released the locked funds; the event confirms it.
		return nil
	case "failed", "canceled":
		if req.Status != StatusApproved {
			return nil
		}
		if _, err := wallet.LockForUpdate(ctx, tx, req.UserID); err != nil {
			return err
		}
		if err := wallet.CreditTx(ctx, tx, req.UserID, req.Amount); err != nil {
			return err
		}
		ref := req.ID
		if _, err := ledger.InsertTx(ctx, tx, ledger.Entry{
			WalletID:  req.UserID,
			Kind:      ledger.KindDeposit,
			Amount:    req.Amount,
			Reference: &ref,
			Status:    ledger.StatusCompleted,
		}); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE withdrawals
			 SET status = 'rejected',
			     admin_notes = COALESCE(admin_notes || '; ', '') || 'payout ' || $1::text,
			     processed_at = NOW()
			 WHERE id = $2`,
			outcome, req.ID,
		)
		if err != nil {
			return fmt.Errorf("update withdrawal after payout %s: %w", outcome, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		monitoring.WithdrawalTransitions.WithLabelValues(StatusRejected).Inc()
		logger.WithFields(logging.Fields{
			"withdrawal_id": req.ID,
			"payout_id":     payoutID,
			"outcome":       outcome,
		}).Warn("Payout did not complete, funds returned to wallet")

		_ = alerts.EnqueueNotify([]string{req.UserID}, "withdrawal_payout_failed",
			"Payout failed", "Your payout could not be completed; the funds are back in your balance.", req.ID)
		return nil
	default:
		logger.WithFields(logging.Fields{
			"payout_id": payoutID,
			"outcome":   outcome,
		}).Warn("Unknown payout outcome, dropping")
		return nil
	}
}

// ListForUser returns a user's withdrawal requests, newest first.
func ListForUser(ctx context.Context, userID string) ([]Request, error) {
	return list(ctx,
		`SELECT id, user_id, amount, method, status, admin_notes, payout_id, created_at, processed_at
		 FROM withdrawals WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListPending returns all pending requests for the admin queue.
func ListPending(ctx context.Context) ([]Request, error) {
	return list(ctx,
		`SELECT id, user_id, amount, method, status, admin_notes, payout_id, created_at, processed_at
		 FROM withdrawals WHERE status = 'pending' ORDER BY created_at ASC`)
}

func list(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := db.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query withdrawals: %w", err)
	}
	defer rows.Close()

	var reqs []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &r.Method, &r.Status,
			&r.AdminNotes, &r.PayoutID, &r.CreatedAt, &r.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}
