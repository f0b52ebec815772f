package withdrawal

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tipfolio-app/tipfolio/internal/wallet"
)

// RequestWithdrawal handles a user's payout request.
func RequestWithdrawal(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var body struct {
		Amount int64  `json:"amount"`
		Method string `json:"method"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	req, err := Submit(c.Request().Context(), userID, body.Amount, body.Method)
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount must be greater than zero"})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "insufficient balance"})
	case errors.Is(err, wallet.ErrWalletNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "wallet not found"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not create withdrawal"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"withdrawal_id": req.ID,
		"amount":        req.Amount,
		"status":        req.Status,
		"message":       "Withdrawal requested. Funds are locked pending review.",
	})
}

// ListMyWithdrawals returns the authenticated user's requests.
func ListMyWithdrawals(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	reqs, err := ListForUser(context.Background(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch withdrawals"})
	}
	if reqs == nil {
		reqs = []Request{}
	}
	return c.JSON(http.StatusOK, reqs)
}

// ListPendingWithdrawals returns the admin review queue.
func ListPendingWithdrawals(c echo.Context) error {
	reqs, err := ListPending(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch withdrawals"})
	}
	if reqs == nil {
		reqs = []Request{}
	}
	return c.JSON(http.StatusOK, echo.Map{"pending_withdrawals": reqs})
}

// ProcessWithdrawal resolves a pending request as approved or rejected.
func ProcessWithdrawal(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid withdrawal id"})
	}

	var body struct {
		Approve  bool   `json:"approve"`
		Notes    string `json:"notes"`
		PayoutID string `json:"payout_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	req, err := Process(c.Request().Context(), id, body.Approve, body.Notes, body.PayoutID)
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "withdrawal not found"})
	case errors.Is(err, ErrAlreadyProcessed):
		return c.JSON(http.StatusConflict, echo.Map{"error": "withdrawal already processed"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to process withdrawal"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"withdrawal_id": req.ID,
		"status":        req.Status,
	})
}
