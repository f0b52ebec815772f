package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tipfolio-app/tipfolio/internal/db"
)

// InsertTx appends an entry inside the caller's transaction. Wallet mutations
// and their ledger entries always commit or roll back together.
func InsertTx(ctx context.Context, tx pgx.Tx, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, wallet_id, kind, amount, reference, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WalletID, e.Kind, e.Amount, e.Reference, e.Status, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("insert ledger entry: %w", err)
	}
	return e.ID, nil
}

// SetStatusTx moves a pending entry to completed or failed. Used by the
// withdrawal lifecycle; settlement entries are written completed directly.
func SetStatusTx(ctx context.Context, tx pgx.Tx, walletID, kind, reference, newStatus string) error {
	ct, err := tx.Exec(ctx,
		`UPDATE ledger_entries
		 SET status = $1
		 WHERE wallet_id = $2 AND kind = $3 AND reference = $4 AND status = 'pending'`,
		newStatus, walletID, kind, reference,
	)
	if err != nil {
		return fmt.Errorf("update ledger entry status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("no pending %s entry for reference %s", kind, reference)
	}
	return nil
}

// ListForWallet returns a wallet's entries, newest first.
func ListForWallet(ctx context.Context, walletID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.Conn.Query(ctx,
		`SELECT id, wallet_id, kind, amount, reference, status, created_at
		 FROM ledger_entries
		 WHERE wallet_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		walletID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Kind, &e.Amount, &e.Reference, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
