package db

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the subset of pgxpool.Pool the service uses. Keeping it as an
// interface lets tests substitute a mock pool for Conn.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

var Conn Pool

// Init connects to Postgres and bootstraps the schema.
func Init() {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_NAME"),
	)

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	if err = pool.Ping(context.Background()); err != nil {
		log.Fatalf("Unable to ping database: %v\n", err)
	}
	Conn = pool

	log.Println("Connected to Postgres successfully")

	ensureWalletsTable()
	ensureLedgerEntriesTable()
	ensureSubscriptionsTable()
	ensureTicketPurchasesTable()
	ensureWithdrawalsTable()
	ensureGatewayPaymentsTable()
	ensureWebhookEventsTable()
	ensureNotificationsTable()
	ensureUserXPTable()
}

// ensureWalletsTable creates the wallets table if missing. balance and locked
// are separate buckets in minor units; funds move from balance into locked
// while a withdrawal is pending.
func ensureWalletsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS wallets (
            user_id UUID PRIMARY KEY,
            balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
            locked BIGINT NOT NULL DEFAULT 0 CHECK (locked >= 0),
            total_earned BIGINT NOT NULL DEFAULT 0,
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        )`)
	if err != nil {
		log.Printf("failed to create wallets table: %v", err)
	}
}

// ensureLedgerEntriesTable creates the append-only ledger.
func ensureLedgerEntriesTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS ledger_entries (
            id UUID PRIMARY KEY,
            wallet_id UUID NOT NULL,
            kind TEXT NOT NULL CHECK (kind IN (
                'deposit', 'purchase', 'subscription_purchase',
                'subscription_sale', 'commission', 'withdraw_request'
            )),
            amount BIGINT NOT NULL,
            reference UUID NULL,
            status TEXT NOT NULL DEFAULT 'completed' CHECK (status IN ('pending','completed','failed')),
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );
        CREATE INDEX IF NOT EXISTS idx_ledger_wallet_created ON ledger_entries(wallet_id, created_at);
        CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference);
    `)
	if err != nil {
		log.Printf("failed to create ledger_entries table: %v", err)
	}
}

// ensureSubscriptionsTable creates tipster subscriptions. One row per
// (subscriber, tipster) pair; re-subscription reactivates the existing row.
func ensureSubscriptionsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS subscriptions (
            id UUID PRIMARY KEY,
            subscriber_id UUID NOT NULL,
            tipster_id UUID NOT NULL,
            gross BIGINT NOT NULL DEFAULT 0,
            commission BIGINT NOT NULL DEFAULT 0,
            net BIGINT NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','active','expired','cancelled')),
            started_at TIMESTAMP WITH TIME ZONE NULL,
            expires_at TIMESTAMP WITH TIME ZONE NULL,
            renewal_reminder_sent BOOLEAN NOT NULL DEFAULT FALSE,
            payment_intent_id TEXT NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            CONSTRAINT subscriptions_pair_unique UNIQUE (subscriber_id, tipster_id)
        );
        CREATE INDEX IF NOT EXISTS idx_subscriptions_status_expiry ON subscriptions(status, expires_at);
    `)
	if err != nil {
		log.Printf("failed to create subscriptions table: %v", err)
	}
}

// ensureTicketPurchasesTable creates one-off ticket purchases. A buyer can buy
// a given ticket once; repeat attempts hit the unique pair.
func ensureTicketPurchasesTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS ticket_purchases (
            id UUID PRIMARY KEY,
            ticket_id UUID NOT NULL,
            buyer_id UUID NOT NULL,
            seller_id UUID NOT NULL,
            gross BIGINT NOT NULL DEFAULT 0,
            commission BIGINT NOT NULL DEFAULT 0,
            net BIGINT NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','active','expired','cancelled')),
            payment_intent_id TEXT NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            CONSTRAINT ticket_purchases_pair_unique UNIQUE (ticket_id, buyer_id)
        )`)
	if err != nil {
		log.Printf("failed to create ticket_purchases table: %v", err)
	}
}

// ensureWithdrawalsTable creates payout requests.
func ensureWithdrawalsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS withdrawals (
            id UUID PRIMARY KEY,
            user_id UUID NOT NULL,
            amount BIGINT NOT NULL CHECK (amount > 0),
            method TEXT NOT NULL DEFAULT 'bank_transfer',
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','approved','rejected')),
            admin_notes TEXT NULL,
            payout_id TEXT NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            processed_at TIMESTAMP WITH TIME ZONE NULL
        );
        CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id, created_at);
        CREATE INDEX IF NOT EXISTS idx_withdrawals_payout ON withdrawals(payout_id);
    `)
	if err != nil {
		log.Printf("failed to create withdrawals table: %v", err)
	}
}

// ensureGatewayPaymentsTable creates the external payment records keyed by the
// gateway's intent id, used for idempotent webhook reconciliation.
func ensureGatewayPaymentsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS gateway_payments (
            id UUID PRIMARY KEY,
            payment_intent_id TEXT NOT NULL UNIQUE,
            payer_id UUID NOT NULL,
            payee_id UUID NULL,
            amount BIGINT NOT NULL,
            platform_fee BIGINT NOT NULL DEFAULT 0,
            net_amount BIGINT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','succeeded','failed')),
            reference_kind TEXT NOT NULL CHECK (reference_kind IN ('subscription','ticket','deposit')),
            reference UUID NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        )`)
	if err != nil {
		log.Printf("failed to create gateway_payments table: %v", err)
	}
}

// ensureWebhookEventsTable creates the processed-event log used to drop
// duplicate webhook deliveries.
func ensureWebhookEventsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS webhook_events (
            provider TEXT NOT NULL,
            event_id TEXT NOT NULL,
            event_type TEXT NULL,
            processed_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (provider, event_id)
        )`)
	if err != nil {
		log.Printf("failed to create webhook_events table: %v", err)
	}
}

// ensureUserXPTable creates the engagement points counter.
func ensureUserXPTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS user_xp (
            user_id UUID PRIMARY KEY,
            points BIGINT NOT NULL DEFAULT 0,
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        )`)
	if err != nil {
		log.Printf("failed to create user_xp table: %v", err)
	}
}

// ensureNotificationsTable creates notifications table if it doesn't exist
func ensureNotificationsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS notifications (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            user_id UUID NOT NULL,
            type TEXT NOT NULL,
            title TEXT NOT NULL,
            body TEXT,
            reference UUID NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            read_at TIMESTAMP WITH TIME ZONE NULL
        );
        CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at);
    `)
	if err != nil {
		log.Printf("failed to create notifications table: %v", err)
	}
}
