package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/ledger"
)

type AdminWallet struct {
	UserID      string    `json:"user_id"`
	Balance     int64     `json:"balance"`
	Locked      int64     `json:"locked"`
	TotalEarned int64     `json:"total_earned"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GET /admin/wallets
func ListWallets(c echo.Context) error {
	rows, err := db.Conn.Query(context.Background(),
		`SELECT user_id, balance, locked, total_earned, updated_at FROM wallets ORDER BY updated_at DESC`,
	)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch wallets"})
	}
	defer rows.Close()

	var wallets []AdminWallet
	for rows.Next() {
		var w AdminWallet
		if err := rows.Scan(&w.UserID, &w.Balance, &w.Locked, &w.TotalEarned, &w.UpdatedAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to read wallet record"})
		}
		wallets = append(wallets, w)
	}
	return c.JSON(http.StatusOK, echo.Map{"wallets": wallets})
}

// GET /admin/wallets/:user_id/ledger
func UserLedger(c echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing user id"})
	}

	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	entries, err := ledger.ListForWallet(c.Request().Context(), userID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch ledger"})
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return c.JSON(http.StatusOK, echo.Map{"user_id": userID, "entries": entries})
}
