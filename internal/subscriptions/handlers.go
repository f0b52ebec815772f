package subscriptions

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/payments"
	"github.com/tipfolio-app/tipfolio/internal/settlement"
	"github.com/tipfolio-app/tipfolio/internal/wallet"
)

type subscribeRequest struct {
	Price int64 `json:"price"`
}

// Subscribe settles a subscription from the caller's wallet balance. A zero
// price is a free follow. Re-subscribing to a live subscription is a no-op
// success; the caller is never charged twice.
func Subscribe(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	tipsterID := c.Param("id")
	if tipsterID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing tipster id"})
	}

	req := new(subscribeRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	res, err := settlement.SubscribeWithCredits(c.Request().Context(), userID, tipsterID, req.Price)
	switch {
	case errors.Is(err, settlement.ErrSelfSettlement):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cannot subscribe to yourself"})
	case errors.Is(err, wallet.ErrInvalidAmount):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid price"})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return c.JSON(http.StatusPaymentRequired, echo.Map{"error": "insufficient balance"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not complete subscription"})
	}

	return c.JSON(http.StatusOK, res)
}

// SubscribeCheckout starts a card-funded subscription through the gateway.
// The subscription stays pending until the webhook confirms payment.
func SubscribeCheckout(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	tipsterID := c.Param("id")
	if tipsterID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing tipster id"})
	}

	req := new(subscribeRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	res, err := settlement.SubscribeWithGateway(c.Request().Context(), userID, tipsterID, req.Price)
	switch {
	case errors.Is(err, settlement.ErrSelfSettlement):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cannot subscribe to yourself"})
	case errors.Is(err, wallet.ErrInvalidAmount):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid price"})
	case errors.Is(err, settlement.ErrAlreadyExists):
		return c.JSON(http.StatusConflict, echo.Map{"error": "subscription already active"})
	case errors.Is(err, payments.ErrGateway):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not start checkout"})
	}

	return c.JSON(http.StatusOK, res)
}

// ListMySubscriptions returns the caller's subscriptions, newest first.
func ListMySubscriptions(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	rows, err := db.Conn.Query(context.Background(),
		`SELECT id, tipster_id, gross, commission, net, status, started_at, expires_at, created_at
		 FROM subscriptions WHERE subscriber_id = $1 ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load subscriptions"})
	}
	defer rows.Close()

	items := []map[string]interface{}{}
	for rows.Next() {
		var id, tipsterID, status string
		var gross, commission, net int64
		var startedAt, expiresAt *time.Time
		var createdAt time.Time
		if err := rows.Scan(&id, &tipsterID, &gross, &commission, &net, &status, &startedAt, &expiresAt, &createdAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse subscription"})
		}
		items = append(items, map[string]interface{}{
			"id":         id,
			"tipster_id": tipsterID,
			"gross":      gross,
			"commission": commission,
			"net":        net,
			"status":     status,
			"started_at": startedAt,
			"expires_at": expiresAt,
			"created_at": createdAt,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"subscriptions": items})
}
