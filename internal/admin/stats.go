package admin

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tipfolio-app/tipfolio/internal/db"
)

// GET /admin/stats
func Stats(c echo.Context) error {
	ctx := context.Background()

	var wallets, entries, subscriptions, purchases, pendingWithdrawals int
	var commission int64

	_ = db.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM wallets`).Scan(&wallets)
	_ = db.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&entries)
	_ = db.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&subscriptions)
	_ = db.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM ticket_purchases`).Scan(&purchases)
	_ = db.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM withdrawals WHERE status = 'pending'`).Scan(&pendingWithdrawals)

	// Commission entries are negative seller debits; the platform's take is
	// their absolute sum.
	_ = db.Conn.QueryRow(ctx,
		`SELECT COALESCE(-SUM(amount), 0) FROM ledger_entries
		 WHERE kind = 'commission' AND status = 'completed'`,
	).Scan(&commission)

	return c.JSON(http.StatusOK, echo.Map{
		"wallets":             wallets,
		"ledger_entries":      entries,
		"subscriptions":       subscriptions,
		"ticket_purchases":    purchases,
		"pending_withdrawals": pendingWithdrawals,
		"commission_earned":   commission,
	})
}
