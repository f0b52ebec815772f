package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAlreadyExists reports that the unique relationship already exists in a
// live (pending or active) state. Callers treat it as an idempotent success,
// never as a failure.
var ErrAlreadyExists = errors.New("relationship already exists")

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// querier is satisfied by both pgx.Tx and the pool; relationship upserts run
// inside the settlement transaction for credit flows and standalone for the
// gateway flow.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// upsertResult describes what the upsert did, so the gateway flow can undo it
// if intent creation fails.
type upsertResult struct {
	ID          string
	Reactivated bool
	PriorStatus string
}

// upsertSubscription inserts a subscription row or reactivates a terminal one
// for the same (subscriber, tipster) pair. A live row yields ErrAlreadyExists.
// Reactivation resets the per-period reminder flag.
func upsertSubscription(ctx context.Context, q querier, subscriberID, tipsterID string, gross, commission, net int64, status string, startedAt, expiresAt *time.Time) (*upsertResult, error) {
	var existingID, existingStatus string
	err := q.QueryRow(ctx,
		`SELECT id, status FROM subscriptions WHERE subscriber_id = $1 AND tipster_id = $2`,
		subscriberID, tipsterID,
	).Scan(&existingID, &existingStatus)
	switch {
	case err == nil:
		if existingStatus != StatusExpired && existingStatus != StatusCancelled {
			return nil, ErrAlreadyExists
		}
		ct, err := q.Exec(ctx,
			`UPDATE subscriptions
			 SET status = $1, gross = $2, commission = $3, net = $4,
			     started_at = $5, expires_at = $6,
			     renewal_reminder_sent = FALSE, payment_intent_id = NULL,
			     updated_at = NOW()
			 WHERE id = $7 AND status IN ('expired','cancelled')`,
			status, gross, commission, net, startedAt, expiresAt, existingID,
		)
		if err != nil {
			return nil, fmt.Errorf("reactivate subscription: %w", err)
		}
		if ct.RowsAffected() == 0 {
			// Lost a race to another reactivation.
			return nil, ErrAlreadyExists
		}
		return &upsertResult{ID: existingID, Reactivated: true, PriorStatus: existingStatus}, nil
	case errors.Is(err, pgx.ErrNoRows):
		id := uuid.New().String()
		_, err := q.Exec(ctx,
			`INSERT INTO subscriptions
			     (id, subscriber_id, tipster_id, gross, commission, net, status, started_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, subscriberID, tipsterID, gross, commission, net, status, startedAt, expiresAt,
		)
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		if err != nil {
			return nil, fmt.Errorf("insert subscription: %w", err)
		}
		return &upsertResult{ID: id}, nil
	default:
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}
}

// upsertPurchase is the ticket analog of upsertSubscription, unique on
// (ticket, buyer).
func upsertPurchase(ctx context.Context, q querier, ticketID, buyerID, sellerID string, gross, commission, net int64, status string) (*upsertResult, error) {
	var existingID, existingStatus string
	err := q.QueryRow(ctx,
		`SELECT id, status FROM ticket_purchases WHERE ticket_id = $1 AND buyer_id = $2`,
		ticketID, buyerID,
	).Scan(&existingID, &existingStatus)
	switch {
	case err == nil:
		if existingStatus != StatusExpired && existingStatus != StatusCancelled {
			return nil, ErrAlreadyExists
		}
		ct, err := q.Exec(ctx,
			`UPDATE ticket_purchases
			 SET status = $1, gross = $2, commission = $3, net = $4,
			     payment_intent_id = NULL, updated_at = NOW()
			 WHERE id = $5 AND status IN ('expired','cancelled')`,
			status, gross, commission, net, existingID,
		)
		if err != nil {
			return nil, fmt.Errorf("reactivate purchase: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return nil, ErrAlreadyExists
		}
		return &upsertResult{ID: existingID, Reactivated: true, PriorStatus: existingStatus}, nil
	case errors.Is(err, pgx.ErrNoRows):
		id := uuid.New().String()
		_, err := q.Exec(ctx,
			`INSERT INTO ticket_purchases
			     (id, ticket_id, buyer_id, seller_id, gross, commission, net, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, ticketID, buyerID, sellerID, gross, commission, net, status,
		)
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		if err != nil {
			return nil, fmt.Errorf("insert purchase: %w", err)
		}
		return &upsertResult{ID: id}, nil
	default:
		return nil, fmt.Errorf("lookup purchase: %w", err)
	}
}
