package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/ledger"
)

// LockForUpdate loads a wallet under a row lock scoped to tx. Every financial
// mutation on the wallet must happen through a row locked this way.
func LockForUpdate(ctx context.Context, tx pgx.Tx, userID string) (*Wallet, error) {
	var w Wallet
	err := tx.QueryRow(ctx,
		`SELECT user_id, balance, locked, total_earned, updated_at
		 FROM wallets
		 WHERE user_id = $1
		 FOR UPDATE`,
		userID,
	).Scan(&w.UserID, &w.Balance, &w.Locked, &w.TotalEarned, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", userID, err)
	}
	return &w, nil
}

// Get loads a wallet without locking it.
func Get(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := db.Conn.QueryRow(ctx,
		`SELECT user_id, balance, locked, total_earned, updated_at
		 FROM wallets
		 WHERE user_id = $1`,
		userID,
	).Scan(&w.UserID, &w.Balance, &w.Locked, &w.TotalEarned, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	return &w, nil
}

// CreateIfMissing inserts a zero-balance wallet for the user. Called at user
// registration by the account collaborator and by the ops CLI.
func CreateIfMissing(ctx context.Context, userID string) error {
	_, err := db.Conn.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, locked, total_earned)
		 VALUES ($1, 0, 0, 0)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("create wallet %s: %w", userID, err)
	}
	return nil
}

// CreditTx adds to spendable balance. The row must already be locked in tx.
func CreditTx(ctx context.Context, tx pgx.Tx, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ct, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance + $1, updated_at = NOW() WHERE user_id = $2`,
		amount, userID,
	)
	if err != nil {
		return fmt.Errorf("credit wallet %s: %w", userID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// DebitTx removes from spendable balance. The row must already be locked in
// tx; the caller is expected to have verified funds against the locked row.
func DebitTx(ctx context.Context, tx pgx.Tx, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ct, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance - $1, updated_at = NOW()
		 WHERE user_id = $2 AND balance >= $1`,
		amount, userID,
	)
	if err != nil {
		return fmt.Errorf("debit wallet %s: %w", userID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// AddEarningsTx credits balance and total_earned in one step, for sale
// proceeds. The row must already be locked in tx.
func AddEarningsTx(ctx context.Context, tx pgx.Tx, userID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	ct, err := tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = balance + $1, total_earned = total_earned + $1, updated_at = NOW()
		 WHERE user_id = $2`,
		amount, userID,
	)
	if err != nil {
		return fmt.Errorf("credit earnings for wallet %s: %w", userID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// MoveToLockedTx moves amount out of balance into locked, reserving it for a
// pending withdrawal.
func MoveToLockedTx(ctx context.Context, tx pgx.Tx, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ct, err := tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = balance - $1, locked = locked + $1, updated_at = NOW()
		 WHERE user_id = $2 AND balance >= $1`,
		amount, userID,
	)
	if err != nil {
		return fmt.Errorf("lock funds for wallet %s: %w", userID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// ReleaseLockedTx removes amount from locked. With returnToBalance the funds
// go back to spendable balance (rejected withdrawal); without it they leave
// the system (approved payout).
func ReleaseLockedTx(ctx context.Context, tx pgx.Tx, userID string, amount int64, returnToBalance bool) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	var ct pgconn.CommandTag
	var err error
	if returnToBalance {
		ct, err = tx.Exec(ctx,
			`UPDATE wallets
			 SET balance = balance + $1, locked = locked - $1, updated_at = NOW()
			 WHERE user_id = $2 AND locked >= $1`,
			amount, userID,
		)
	} else {
		ct, err = tx.Exec(ctx,
			`UPDATE wallets
			 SET locked = locked - $1, updated_at = NOW()
			 WHERE user_id = $2 AND locked >= $1`,
			amount, userID,
		)
	}
	if err != nil {
		return fmt.Errorf("release locked funds for wallet %s: %w", userID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s has less than %d locked", userID, amount)
	}
	return nil
}

// Credit performs a standalone deposit: lock row, apply delta, append a
// completed ledger entry, all in one transaction.
func Credit(ctx context.Context, userID string, amount int64, kind string, reference *string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx, err := db.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := LockForUpdate(ctx, tx, userID); err != nil {
		return err
	}
	if err := CreditTx(ctx, tx, userID, amount); err != nil {
		return err
	}
	if _, err := ledger.InsertTx(ctx, tx, ledger.Entry{
		WalletID:  userID,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
		Status:    ledger.StatusCompleted,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Debit performs a standalone debit with the same tx shape as Credit.
func Debit(ctx context.Context, userID string, amount int64, kind string, reference *string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx, err := db.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	w, err := LockForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if w.Balance < amount {
		return ErrInsufficientFunds
	}
	if err := DebitTx(ctx, tx, userID, amount); err != nil {
		return err
	}
	if _, err := ledger.InsertTx(ctx, tx, ledger.Entry{
		WalletID:  userID,
		Kind:      kind,
		Amount:    -amount,
		Reference: reference,
		Status:    ledger.StatusCompleted,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
