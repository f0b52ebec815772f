package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/tipfolio-app/tipfolio/internal/alerts"
	"github.com/tipfolio-app/tipfolio/internal/config"
	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/ledger"
	"github.com/tipfolio-app/tipfolio/internal/logging"
	"github.com/tipfolio-app/tipfolio/internal/monitoring"
	"github.com/tipfolio-app/tipfolio/internal/wallet"
	"github.com/tipfolio-app/tipfolio/internal/withdrawal"
)

// Gateway webhook payload. Flexible struct covering payment_intent and payout
// events; Data.Object is parsed per event type.
type WebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type paymentIntentObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type payoutObject struct {
	ID string `json:"id"`
}

// gatewayPayment mirrors a gateway_payments row loaded under lock.
type gatewayPayment struct {
	ID            string
	PayerID       string
	PayeeID       *string
	Amount        int64
	PlatformFee   int64
	NetAmount     int64
	Status        string
	ReferenceKind string
	Reference     *string
}

// verifySignature verifies the gateway webhook signature header
// (t=timestamp,v1=signature) using HMAC-SHA256 over "timestamp.payload".
func verifySignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, element := range strings.Split(signature, ",") {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid webhook signature format: missing timestamp or signatures")
		return false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse webhook timestamp")
		return false
	}
	now := time.Now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"age_seconds": now - timestampInt,
		}).Warn("Webhook timestamp too old")
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, provided := range signatures {
		if hmac.Equal([]byte(expected), []byte(provided)) {
			return true
		}
	}
	return false
}

// isWebhookAlreadyProcessed checks if a webhook event was already processed
func isWebhookAlreadyProcessed(ctx context.Context, provider, eventID string) bool {
	var exists bool
	err := db.Conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)`,
		provider, eventID,
	).Scan(&exists)
	return err == nil && exists
}

// markWebhookProcessed marks a webhook event as processed
func markWebhookProcessed(ctx context.Context, provider, eventID, eventType string) {
	_, err := db.Conn.Exec(ctx,
		`INSERT INTO webhook_events (provider, event_id, event_type)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, eventType,
	)
	if err != nil {
		logger.WithError(err).Warn("Failed to mark webhook as processed")
	}
}

// HandleStripeWebhook consumes gateway events. Delivery is at-least-once and
// possibly out of order, so processing is idempotent twice over: an event-id
// dedup log, and status guards on every transition.
func HandleStripeWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "could not read body"})
	}

	secret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if secret == "" {
		logger.Error("STRIPE_WEBHOOK_SECRET not configured; rejecting webhook")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "webhook verification not configured"})
	}
	if !verifySignature(body, c.Request().Header.Get("Stripe-Signature"), secret) {
		monitoring.WebhookSignatureFailures.Inc()
		logger.Warn("Invalid webhook signature")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.WithError(err).Warn("Invalid webhook payload")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}

	logger.WithFields(logging.Fields{
		"event_id":   payload.ID,
		"event_type": payload.Type,
	}).Info("Received gateway webhook")

	ctx := c.Request().Context()
	if isWebhookAlreadyProcessed(ctx, "stripe", payload.ID) {
		logger.WithField("event_id", payload.ID).Debug("Webhook already processed, skipping")
		monitoring.WebhookEventsTotal.WithLabelValues(payload.Type, "duplicate").Inc()
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	}
	switch payload.Type {
	case "payment_intent.succeeded":
		err = handlePaymentIntentEvent(ctx, payload, true)
	case "payment_intent.payment_failed", "payment_intent.failed":
		err = handlePaymentIntentEvent(ctx, payload, false)
	case "payout.paid", "payout.failed", "payout.canceled":
		err = handlePayoutEvent(ctx, payload)
	default:
		logger.WithField("event_type", payload.Type).Debug("Ignoring unhandled event type")
	}

	if err != nil {
		monitoring.WebhookEventsTotal.WithLabelValues(payload.Type, "error").Inc()
		logger.WithError(err).WithField("event_type", payload.Type).Error("Failed to process webhook")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to process webhook"})
	}

	markWebhookProcessed(ctx, "stripe", payload.ID, payload.Type)
	monitoring.WebhookEventsTotal.WithLabelValues(payload.Type, "ok").Inc()
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}

// handlePaymentIntentEvent applies a payment outcome to the recorded
// ExternalPayment. The row is loaded under a row lock and only a pending
// payment transitions; replays and late events fall through as no-ops.
func handlePaymentIntentEvent(ctx context.Context, payload WebhookPayload, succeeded bool) error {
	var obj paymentIntentObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		return fmt.Errorf("parse payment intent: %w", err)
	}
	if obj.ID == "" {
		return errors.New("payment intent event missing id")
	}

	tx, err := db.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin webhook tx: %w", err)
	}
	defer tx.Rollback(ctx)

	gp, err := lockGatewayPayment(ctx, tx, obj.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.WithField("payment_intent_id", obj.ID).Warn("Payment event for unknown intent, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if gp.Status != "pending" {
		logger.WithFields(logging.Fields{
			"payment_intent_id": obj.ID,
			"status":            gp.Status,
		}).Debug("Gateway payment already terminal, skipping")
		return nil
	}

	newStatus := "succeeded"
	if !succeeded {
		newStatus = "failed"
	}
	if _, err := tx.Exec(ctx,
		`UPDATE gateway_payments SET status = $1, updated_at = NOW() WHERE id = $2`,
		newStatus, gp.ID,
	); err != nil {
		return fmt.Errorf("update gateway payment: %w", err)
	}

	if succeeded {
		if err := applyPaymentSucceeded(ctx, tx, gp); err != nil {
			return err
		}
	} else {
		if err := applyPaymentFailed(ctx, tx, gp); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	notifyPaymentOutcome(gp, succeeded)
	return nil
}

// applyPaymentSucceeded moves the money: deposits credit the payer, sales
// credit the payee's net and activate the owning relationship.
func applyPaymentSucceeded(ctx context.Context, tx pgx.Tx, gp *gatewayPayment) error {
	switch gp.ReferenceKind {
	case "deposit":
		if _, err := wallet.LockForUpdate(ctx, tx, gp.PayerID); err != nil {
			return err
		}
		if err := wallet.CreditTx(ctx, tx, gp.PayerID, gp.Amount); err != nil {
			return err
		}
		ref := gp.ID
		_, err := ledger.InsertTx(ctx, tx, ledger.Entry{
			WalletID:  gp.PayerID,
			Kind:      ledger.KindDeposit,
			Amount:    gp.Amount,
			Reference: &ref,
			Status:    ledger.StatusCompleted,
		})
		return err

	case "subscription", "ticket":
		if gp.PayeeID == nil || gp.Reference == nil {
			return fmt.Errorf("gateway payment %s missing payee or reference", gp.ID)
		}
		payee := *gp.PayeeID
		ref := *gp.Reference

		if _, err := wallet.LockForUpdate(ctx, tx, payee); err != nil {
			return err
		}
		// Sale of the gross plus the commission debit; the payee's completed
		// entries sum to the net credit.
		if _, err := ledger.InsertTx(ctx, tx, ledger.Entry{
			WalletID: payee, Kind: ledger.KindSubscriptionSale, Amount: gp.Amount,
			Reference: &ref, Status: ledger.StatusCompleted,
		}); err != nil {
			return err
		}
		if gp.PlatformFee > 0 {
			if _, err := ledger.InsertTx(ctx, tx, ledger.Entry{
				WalletID: payee, Kind: ledger.KindCommission, Amount: -gp.PlatformFee,
				Reference: &ref, Status: ledger.StatusCompleted,
			}); err != nil {
				return err
			}
		}
		if err := wallet.AddEarningsTx(ctx, tx, payee, gp.NetAmount); err != nil {
			return err
		}

		if gp.ReferenceKind == "subscription" {
			expires := time.Now().Add(time.Duration(config.SubscriptionPeriodDays()) * 24 * time.Hour)
			_, err := tx.Exec(ctx,
				`UPDATE subscriptions
				 SET status = 'active', started_at = NOW(), expires_at = $1,
				     renewal_reminder_sent = FALSE, updated_at = NOW()
				 WHERE id = $2 AND status = 'pending'`,
				expires, ref,
			)
			if err != nil {
				return fmt.Errorf("activate subscription: %w", err)
			}
		} else {
			_, err := tx.Exec(ctx,
				`UPDATE ticket_purchases
				 SET status = 'active', updated_at = NOW()
				 WHERE id = $1 AND status = 'pending'`,
				ref,
			)
			if err != nil {
				return fmt.Errorf("activate purchase: %w", err)
			}
		}

		monitoring.SettlementsTotal.WithLabelValues(gp.ReferenceKind, "gateway").Inc()
		return nil

	default:
		return fmt.Errorf("unknown reference kind %q", gp.ReferenceKind)
	}
}

// applyPaymentFailed cancels the provisional relationship; no wallet was
// touched for a pending gateway payment, so there is nothing to reverse.
func applyPaymentFailed(ctx context.Context, tx pgx.Tx, gp *gatewayPayment) error {
	if gp.Reference == nil {
		return nil
	}
	var err error
	switch gp.ReferenceKind {
	case "subscription":
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = 'cancelled', updated_at = NOW()
			 WHERE id = $1 AND status = 'pending'`,
			*gp.Reference,
		)
	case "ticket":
		_, err = tx.Exec(ctx,
			`UPDATE ticket_purchases SET status = 'cancelled', updated_at = NOW()
			 WHERE id = $1 AND status = 'pending'`,
			*gp.Reference,
		)
	}
	if err != nil {
		return fmt.Errorf("cancel relationship after failed payment: %w", err)
	}
	return nil
}

func handlePayoutEvent(ctx context.Context, payload WebhookPayload) error {
	var obj payoutObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		return fmt.Errorf("parse payout: %w", err)
	}
	if obj.ID == "" {
		return errors.New("payout event missing id")
	}
	outcome := strings.TrimPrefix(payload.Type, "payout.")
	return withdrawal.ReconcilePayout(ctx, obj.ID, outcome)
}

func lockGatewayPayment(ctx context.Context, tx pgx.Tx, intentID string) (*gatewayPayment, error) {
	var gp gatewayPayment
	err := tx.QueryRow(ctx,
		`SELECT id, payer_id, payee_id, amount, platform_fee, net_amount, status, reference_kind, reference
		 FROM gateway_payments
		 WHERE payment_intent_id = $1
		 FOR UPDATE`,
		intentID,
	).Scan(&gp.ID, &gp.PayerID, &gp.PayeeID, &gp.Amount, &gp.PlatformFee,
		&gp.NetAmount, &gp.Status, &gp.ReferenceKind, &gp.Reference)
	if err != nil {
		return nil, err
	}
	return &gp, nil
}

func notifyPaymentOutcome(gp *gatewayPayment, succeeded bool) {
	if succeeded {
		_ = alerts.EnqueueNotify([]string{gp.PayerID}, "payment_succeeded",
			"Payment confirmed", "Your payment was confirmed.", gp.ID)
		if gp.PayeeID != nil {
			_ = alerts.EnqueueNotify([]string{*gp.PayeeID}, "sale_completed",
				"You made a sale", "A card-funded sale has settled to your wallet.", gp.ID)
			_ = alerts.EnqueueXPAward(gp.PayerID, "purchase", gp.ID)
			_ = alerts.EnqueueXPAward(*gp.PayeeID, "sale", gp.ID)
		}
		return
	}
	_ = alerts.EnqueueNotify([]string{gp.PayerID}, "payment_failed",
		"Payment failed", "Your payment could not be completed.", gp.ID)
}
