package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/tipfolio-app/tipfolio/internal/alerts"
	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/logging"
	"github.com/tipfolio-app/tipfolio/internal/payments"
	"github.com/tipfolio-app/tipfolio/internal/wallet"
)

// SubscribeWithGateway starts a card-funded subscription: the relationship is
// recorded Pending and a payment intent is created at the gateway. No wallet
// or ledger mutation happens here; the webhook settles on confirmation. If
// intent creation fails the pending relationship is undone.
func SubscribeWithGateway(ctx context.Context, subscriberID, tipsterID string, gross int64) (*payments.IntentResult, error) {
	if subscriberID == tipsterID {
		return nil, ErrSelfSettlement
	}
	if gross <= 0 {
		return nil, wallet.ErrInvalidAmount
	}

	commission := Commission(gross)
	up, err := upsertSubscription(ctx, db.Conn, subscriberID, tipsterID, gross, commission, gross-commission, StatusPending, nil, nil)
	if err != nil {
		// ErrAlreadyExists propagates: a live relationship means there is
		// nothing to charge for.
		return nil, err
	}

	result, err := payments.CreatePaymentIntent(ctx, payments.IntentParams{
		PayerID:     subscriberID,
		PayeeID:     tipsterID,
		Amount:      gross,
		PlatformFee: commission,
		Kind:        KindSubscription,
		ReferenceID: up.ID,
		Description: "tipfolio subscription",
	})
	if err != nil {
		undoPendingSubscription(ctx, up)
		return nil, err
	}

	if _, err := db.Conn.Exec(ctx,
		`UPDATE subscriptions SET payment_intent_id = $1, updated_at = NOW() WHERE id = $2`,
		result.PaymentID, up.ID,
	); err != nil {
		logger.WithError(err).WithField("subscription_id", up.ID).
			Error("Failed to record payment intent on subscription")
	}

	return result, nil
}

// PurchaseWithGateway is the ticket analog of SubscribeWithGateway.
func PurchaseWithGateway(ctx context.Context, buyerID, sellerID, ticketID string, gross int64) (*payments.IntentResult, error) {
	if buyerID == sellerID {
		return nil, ErrSelfSettlement
	}
	if gross <= 0 {
		return nil, wallet.ErrInvalidAmount
	}

	commission := Commission(gross)
	up, err := upsertPurchase(ctx, db.Conn, ticketID, buyerID, sellerID, gross, commission, gross-commission, StatusPending)
	if err != nil {
		return nil, err
	}

	result, err := payments.CreatePaymentIntent(ctx, payments.IntentParams{
		PayerID:     buyerID,
		PayeeID:     sellerID,
		Amount:      gross,
		PlatformFee: commission,
		Kind:        KindTicket,
		ReferenceID: up.ID,
		Description: "tipfolio ticket purchase",
	})
	if err != nil {
		undoPendingPurchase(ctx, up)
		return nil, err
	}

	if _, err := db.Conn.Exec(ctx,
		`UPDATE ticket_purchases SET payment_intent_id = $1, updated_at = NOW() WHERE id = $2`,
		result.PaymentID, up.ID,
	); err != nil {
		logger.WithError(err).WithField("purchase_id", up.ID).
			Error("Failed to record payment intent on purchase")
	}

	return result, nil
}

// undoPendingSubscription rolls a pending relationship back after a failed
// intent creation: a reactivated row returns to its prior terminal status, a
// newly created one is deleted.
func undoPendingSubscription(ctx context.Context, up *upsertResult) {
	var err error
	if up.Reactivated {
		_, err = db.Conn.Exec(ctx,
			`UPDATE subscriptions SET status = $1, updated_at = NOW()
			 WHERE id = $2 AND status = 'pending'`,
			up.PriorStatus, up.ID,
		)
	} else {
		_, err = db.Conn.Exec(ctx,
			`DELETE FROM subscriptions WHERE id = $1 AND status = 'pending'`, up.ID)
	}
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"subscription_id": up.ID,
		}).Error("Failed to undo pending subscription after gateway error")
	}
}

func undoPendingPurchase(ctx context.Context, up *upsertResult) {
	var err error
	if up.Reactivated {
		_, err = db.Conn.Exec(ctx,
			`UPDATE ticket_purchases SET status = $1, updated_at = NOW()
			 WHERE id = $2 AND status = 'pending'`,
			up.PriorStatus, up.ID,
		)
	} else {
		_, err = db.Conn.Exec(ctx,
			`DELETE FROM ticket_purchases WHERE id = $1 AND status = 'pending'`, up.ID)
	}
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"purchase_id": up.ID,
		}).Error("Failed to undo pending purchase after gateway error")
	}
}

// ExpireDueSubscriptions flips active subscriptions whose period has lapsed
// to expired. A bulk conditional update, deliberately not touching wallet
// rows so the sweep can never contend with settlement locks.
func ExpireDueSubscriptions(ctx context.Context) (int64, error) {
	ct, err := db.Conn.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'expired', updated_at = NOW()
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	return ct.RowsAffected(), nil
}

// CancelStaleCheckouts cleans up gateway checkouts the payer abandoned: a
// pending relationship blocks the unique pair, and an intent that is never
// completed emits no failure webhook, so without this sweep the pair could
// never be retried. Payments are failed before relationships are cancelled so
// a success webhook arriving mid-sweep finds a non-pending payment and drops.
func CancelStaleCheckouts(ctx context.Context, age time.Duration) (int64, error) {
	interval := fmt.Sprintf("%d seconds", int(age.Seconds()))

	if _, err := db.Conn.Exec(ctx,
		`UPDATE gateway_payments
		 SET status = 'failed', updated_at = NOW()
		 WHERE status = 'pending' AND created_at < NOW() - $1::interval`,
		interval,
	); err != nil {
		return 0, fmt.Errorf("fail stale gateway payments: %w", err)
	}

	subs, err := db.Conn.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'cancelled', updated_at = NOW()
		 WHERE status = 'pending' AND created_at < NOW() - $1::interval`,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel stale subscriptions: %w", err)
	}

	tickets, err := db.Conn.Exec(ctx,
		`UPDATE ticket_purchases
		 SET status = 'cancelled', updated_at = NOW()
		 WHERE status = 'pending' AND created_at < NOW() - $1::interval`,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel stale purchases: %w", err)
	}

	return subs.RowsAffected() + tickets.RowsAffected(), nil
}

// SendRenewalReminders notifies subscribers whose period ends within the
// window, once per period. Reactivation resets the flag.
func SendRenewalReminders(ctx context.Context, window time.Duration) (int, error) {
	rows, err := db.Conn.Query(ctx,
		`UPDATE subscriptions
		 SET renewal_reminder_sent = TRUE, updated_at = NOW()
		 WHERE status = 'active'
		   AND renewal_reminder_sent = FALSE
		   AND expires_at IS NOT NULL
		   AND expires_at < NOW() + $1::interval
		 RETURNING id, subscriber_id`,
		fmt.Sprintf("%d seconds", int(window.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("mark renewal reminders: %w", err)
	}
	defer rows.Close()

	type reminder struct{ id, subscriberID string }
	var due []reminder
	for rows.Next() {
		var r reminder
		if err := rows.Scan(&r.id, &r.subscriberID); err != nil {
			return 0, fmt.Errorf("scan reminder row: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range due {
		_ = alerts.EnqueueNotify([]string{r.subscriberID}, "subscription_expiring",
			"Subscription expiring soon", "Your tipster subscription is about to expire. Renew to keep access.", r.id)
	}
	return len(due), nil
}
