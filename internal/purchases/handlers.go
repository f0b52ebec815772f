package purchases

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

// The catalog collaborator owns tickets; the seller and price arrive in the
// body until a catalog lookup exists to resolve them server side.
type purchaseRequest struct {
	SellerID string `json:"seller_id"`
	Price    int64  `json:"price"`
}

// Purchase settles a one-off ticket purchase from the caller's balance.
// Buying the same ticket again is a no-op success.
func Purchase(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	ticketID := c.Param("id")
	if ticketID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing ticket id"})
	}

	req := new(purchaseRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.SellerID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seller_id is required"})
	}

	res, err := settlement.PurchaseWithCredits(c.Request().Context(), userID, req.SellerID, ticketID, req.Price)
	switch {
	case errors.Is(err, settlement.ErrSelfSettlement):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cannot buy your own ticket"})
	case errors.Is(err, wallet.ErrInvalidAmount):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid price"})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return c.JSON(http.StatusPaymentRequired, echo.Map{"error": "insufficient balance"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not complete purchase"})
	}

	return c.JSON(http.StatusOK, res)
}

// PurchaseCheckout starts a card-funded ticket purchase through the gateway.
func PurchaseCheckout(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	ticketID := c.Param("id")
	if ticketID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing ticket id"})
	}

	req := new(purchaseRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.SellerID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seller_id is required"})
	}

	res, err := settlement.PurchaseWithGateway(c.Request().Context(), userID, req.SellerID, ticketID, req.Price)
	switch {
	case errors.Is(err, settlement.ErrSelfSettlement):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cannot buy your own ticket"})
	case errors.Is(err, wallet.ErrInvalidAmount):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid price"})
	case errors.Is(err, settlement.ErrAlreadyExists):
		return c.JSON(http.StatusConflict, echo.Map{"error": "ticket already purchased"})
	case errors.Is(err, payments.ErrGateway):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not start checkout"})
	}

	return c.JSON(http.StatusOK, res)
}

// ListMyPurchases returns the caller's ticket purchases, newest first.
func ListMyPurchases(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	rows, err := db.Conn.Query(context.Background(),
		`SELECT id, ticket_id, seller_id, gross, commission, net, status, created_at
		 FROM ticket_purchases WHERE buyer_id = $1 ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load purchases"})
	}
	defer rows.Close()

	items := []map[string]interface{}{}
	for rows.Next() {
		var id, ticketID, sellerID, status string
		var gross, commission, net int64
		var createdAt time.Time
		if err := rows.Scan(&id, &ticketID, &sellerID, &gross, &commission, &net, &status, &createdAt); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to parse purchase"})
		}
		items = append(items, map[string]interface{}{
			"id":         id,
			"ticket_id":  ticketID,
			"seller_id":  sellerID,
			"gross":      gross,
			"commission": commission,
			"net":        net,
			"status":     status,
			"created_at": createdAt,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"purchases": items})
}
