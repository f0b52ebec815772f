package wallet

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tipfolio-app/tipfolio/internal/ledger"
)

// Balance returns the authenticated user's wallet balance
func Balance(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	w, err := Get(context.Background(), userID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "wallet not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch wallet"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"user_id":      w.UserID,
		"balance":      w.Balance,
		"locked":       w.Locked,
		"total_earned": w.TotalEarned,
	})
}

// Ledger returns the authenticated user's ledger entries, newest first
func Ledger(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	entries, err := ledger.ListForWallet(context.Background(), userID, 50)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch ledger"})
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}
