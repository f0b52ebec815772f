package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tipfolio-app/tipfolio/internal/alerts"
	"github.com/tipfolio-app/tipfolio/internal/config"
	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/ledger"
	"github.com/tipfolio-app/tipfolio/internal/logging"
	"github.com/tipfolio-app/tipfolio/internal/monitoring"
	"github.com/tipfolio-app/tipfolio/internal/wallet"
)

// Relationship statuses shared by subscriptions and ticket purchases.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// Relationship kinds.
const (
	KindSubscription = "subscription"
	KindTicket       = "ticket"
)

var logger = logging.NewLoggerWithService("tipfolio")

// ErrSelfSettlement is returned when payer and payee are the same user.
var ErrSelfSettlement = errors.New("payer and payee must differ")

const retryAttempts = 3

// Result describes a completed (or idempotently skipped) settlement.
type Result struct {
	RelationshipID string `json:"relationship_id"`
	Gross          int64  `json:"gross"`
	Commission     int64  `json:"commission"`
	Net            int64  `json:"net"`
	AlreadyActive  bool   `json:"already_active"`
}

// SubscribeWithCredits settles a subscription from the subscriber's internal
// balance: ordered locks on both wallets, funds check, relationship upsert,
// three ledger entries and both wallet deltas, all in one transaction. A zero
// gross is a free follow: the same idempotent upsert with no money movement.
func SubscribeWithCredits(ctx context.Context, subscriberID, tipsterID string, gross int64) (*Result, error) {
	if subscriberID == tipsterID {
		return nil, ErrSelfSettlement
	}
	if gross < 0 {
		return nil, wallet.ErrInvalidAmount
	}

	commission := Commission(gross)
	net := gross - commission
	now := time.Now()
	expires := now.Add(time.Duration(config.SubscriptionPeriodDays()) * 24 * time.Hour)

	var relationshipID string
	err := wallet.WithRetry(ctx, retryAttempts, func(ctx context.Context) error {
		tx, err := db.Conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin settlement tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if gross > 0 {
			wallets, err := wallet.LockPairForUpdate(ctx, tx, subscriberID, tipsterID)
			if err != nil {
				return err
			}
			if wallets[subscriberID].Balance < gross {
				return wallet.ErrInsufficientFunds
			}
		}

		up, err := upsertSubscription(ctx, tx, subscriberID, tipsterID, gross, commission, net, StatusActive, &now, &expires)
		if err != nil {
			return err
		}
		relationshipID = up.ID

		if gross > 0 {
			if err := appendSettlementEntries(ctx, tx, subscriberID, tipsterID, gross, commission, relationshipID, ledger.KindSubscriptionPurchase); err != nil {
				return err
			}
			if err := wallet.DebitTx(ctx, tx, subscriberID, gross); err != nil {
				return err
			}
			if err := wallet.AddEarningsTx(ctx, tx, tipsterID, net); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})

	if errors.Is(err, ErrAlreadyExists) {
		// A concurrent request (or an earlier one) created the relationship;
		// report success without a second debit.
		return existingSubscriptionResult(ctx, subscriberID, tipsterID)
	}
	if err != nil {
		return nil, err
	}

	monitoring.SettlementsTotal.WithLabelValues(KindSubscription, "credits").Inc()
	logger.WithFields(logging.Fields{
		"subscription_id": relationshipID,
		"subscriber_id":   subscriberID,
		"tipster_id":      tipsterID,
		"gross":           gross,
		"commission":      commission,
	}).Info("Subscription settled from credits")

	notifyAfterSettlement(subscriberID, tipsterID, KindSubscription, relationshipID, gross)

	return &Result{RelationshipID: relationshipID, Gross: gross, Commission: commission, Net: net}, nil
}

// PurchaseWithCredits settles a one-off ticket purchase from internal balance.
// The catalog collaborator supplies the seller and price.
func PurchaseWithCredits(ctx context.Context, buyerID, sellerID, ticketID string, gross int64) (*Result, error) {
	if buyerID == sellerID {
		return nil, ErrSelfSettlement
	}
	if gross <= 0 {
		return nil, wallet.ErrInvalidAmount
	}

	commission := Commission(gross)
	net := gross - commission

	var relationshipID string
	err := wallet.WithRetry(ctx, retryAttempts, func(ctx context.Context) error {
		tx, err := db.Conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin settlement tx: %w", err)
		}
		defer tx.Rollback(ctx)

		wallets, err := wallet.LockPairForUpdate(ctx, tx, buyerID, sellerID)
		if err != nil {
			return err
		}
		if wallets[buyerID].Balance < gross {
			return wallet.ErrInsufficientFunds
		}

		up, err := upsertPurchase(ctx, tx, ticketID, buyerID, sellerID, gross, commission, net, StatusActive)
		if err != nil {
			return err
		}
		relationshipID = up.ID

		if err := appendSettlementEntries(ctx, tx, buyerID, sellerID, gross, commission, relationshipID, ledger.KindPurchase); err != nil {
			return err
		}
		if err := wallet.DebitTx(ctx, tx, buyerID, gross); err != nil {
			return err
		}
		if err := wallet.AddEarningsTx(ctx, tx, sellerID, net); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})

	if errors.Is(err, ErrAlreadyExists) {
		return existingPurchaseResult(ctx, ticketID, buyerID)
	}
	if err != nil {
		return nil, err
	}

	monitoring.SettlementsTotal.WithLabelValues(KindTicket, "credits").Inc()
	logger.WithFields(logging.Fields{
		"purchase_id": relationshipID,
		"buyer_id":    buyerID,
		"seller_id":   sellerID,
		"ticket_id":   ticketID,
		"gross":       gross,
	}).Info("Ticket purchase settled from credits")

	notifyAfterSettlement(buyerID, sellerID, KindTicket, relationshipID, gross)

	return &Result{RelationshipID: relationshipID, Gross: gross, Commission: commission, Net: net}, nil
}

// appendSettlementEntries writes the three entries of a paid settlement: the
// buyer debit of the gross, the seller sale of the gross, and the seller
// commission debit. The seller's completed entries sum to the net credit, and
// the three together sum to -commission (the platform sink).
func appendSettlementEntries(ctx context.Context, tx pgx.Tx, buyerID, sellerID string, gross, commission int64, reference, buyerKind string) error {
	ref := reference
	if _, err := ledger.InsertTx(ctx, tx, ledger.Entry{
		WalletID: buyerID, Kind: buyerKind, Amount: -gross,
		Reference: &ref, Status: ledger.StatusCompleted,
	}); err != nil {
		return err
	}
	if _, err := ledger.InsertTx(ctx, tx, ledger.Entry{
		WalletID: sellerID, Kind: ledger.KindSubscriptionSale, Amount: gross,
		Reference: &ref, Status: ledger.StatusCompleted,
	}); err != nil {
		return err
	}
	if commission > 0 {
		if _, err := ledger.InsertTx(ctx, tx, ledger.Entry{
			WalletID: sellerID, Kind: ledger.KindCommission, Amount: -commission,
			Reference: &ref, Status: ledger.StatusCompleted,
		}); err != nil {
			return err
		}
	}
	return nil
}

func existingSubscriptionResult(ctx context.Context, subscriberID, tipsterID string) (*Result, error) {
	var r Result
	err := db.Conn.QueryRow(ctx,
		`SELECT id, gross, commission, net FROM subscriptions
		 WHERE subscriber_id = $1 AND tipster_id = $2`,
		subscriberID, tipsterID,
	).Scan(&r.RelationshipID, &r.Gross, &r.Commission, &r.Net)
	if err != nil {
		return nil, fmt.Errorf("requery subscription: %w", err)
	}
	r.AlreadyActive = true
	return &r, nil
}

func existingPurchaseResult(ctx context.Context, ticketID, buyerID string) (*Result, error) {
	var r Result
	err := db.Conn.QueryRow(ctx,
		`SELECT id, gross, commission, net FROM ticket_purchases
		 WHERE ticket_id = $1 AND buyer_id = $2`,
		ticketID, buyerID,
	).Scan(&r.RelationshipID, &r.Gross, &r.Commission, &r.Net)
	if err != nil {
		return nil, fmt.Errorf("requery purchase: %w", err)
	}
	r.AlreadyActive = true
	return &r, nil
}

// notifyAfterSettlement hands off the collaborator side effects once the
// ledger transaction is committed. Failures are logged by the worker and
// never affect the settlement.
func notifyAfterSettlement(buyerID, sellerID, kind, referenceID string, gross int64) {
	_ = alerts.EnqueueNotify([]string{sellerID}, "sale_completed",
		"You made a sale", fmt.Sprintf("A %s sale of %d credits has settled.", kind, gross), referenceID)
	_ = alerts.EnqueueNotify([]string{buyerID}, "purchase_completed",
		"Purchase complete", fmt.Sprintf("Your %s is now active.", kind), referenceID)
	_ = alerts.EnqueueXPAward(buyerID, "purchase", referenceID)
	_ = alerts.EnqueueXPAward(sellerID, "sale", referenceID)
}
