package payments

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tipfolio-app/tipfolio/internal/wallet"
)

type DepositRequest struct {
	Amount int64 `json:"amount"`
}

// DepositInit creates a gateway payment intent that tops up the caller's
// wallet. The credit lands when the gateway's webhook confirms the payment.
func DepositInit(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	req := new(DepositRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.Amount <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount must be greater than zero"})
	}

	res, err := CreatePaymentIntent(c.Request().Context(), IntentParams{
		PayerID:     userID,
		Amount:      req.Amount,
		Kind:        "deposit",
		Description: "Wallet deposit",
	})
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount must be greater than zero"})
	case errors.Is(err, ErrGateway):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not initialize deposit"})
	}

	return c.JSON(http.StatusOK, res)
}
