package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/ledger"
)

const webhookSecret = "whsec_test"

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	orig := db.Conn
	db.Conn = mock
	t.Cleanup(func() {
		db.Conn = orig
		mock.Close()
	})
	return mock
}

func signPayload(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func webhookRequest(t *testing.T, body []byte, signature string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func eventBody(t *testing.T, eventID, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{"object": json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now().Unix()

	if !verifySignature(payload, signPayload(payload, webhookSecret, now), webhookSecret) {
		t.Error("valid signature rejected")
	}
	if verifySignature(payload, signPayload(payload, "wrong_secret", now), webhookSecret) {
		t.Error("signature from wrong secret accepted")
	}
	if verifySignature(payload, signPayload(payload, webhookSecret, now-600), webhookSecret) {
		t.Error("stale timestamp accepted")
	}
	if verifySignature(payload, "garbage", webhookSecret) {
		t.Error("malformed header accepted")
	}
	if verifySignature(payload, "", webhookSecret) {
		t.Error("empty header accepted")
	}
	if verifySignature([]byte(`{"id":"evt_2"}`), signPayload(payload, webhookSecret, now), webhookSecret) {
		t.Error("signature accepted for a different payload")
	}
}

func TestHandleWebhookRejectsInvalidSignature(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", webhookSecret)

	body := eventBody(t, "evt_1", "payment_intent.succeeded", map[string]string{"id": "pi_1"})
	c, rec := webhookRequest(t, body, fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix()))

	if err := HandleStripeWebhook(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandleWebhookDuplicateEventSkipped(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", webhookSecret)
	mock := newMockPool(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM webhook_events")).
		WithArgs("stripe", "evt_dup").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	body := eventBody(t, "evt_dup", "payment_intent.succeeded", map[string]string{"id": "pi_1"})
	c, rec := webhookRequest(t, body, signPayload(body, webhookSecret, time.Now().Unix()))

	if err := HandleStripeWebhook(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for duplicate event, got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("duplicate event must not touch payment state: %v", err)
	}
}

func expectGatewayPaymentLock(mock pgxmock.PgxPoolIface, intentID, status, kind string, payee, reference any) {
	// The row columns scan into *string fields; pgxmock needs the mock values
	// typed to match.
	if s, ok := payee.(string); ok {
		payee = &s
	}
	if s, ok := reference.(string); ok {
		reference = &s
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM gateway_payments")).
		WithArgs(intentID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "payer_id", "payee_id", "amount", "platform_fee", "net_amount",
			"status", "reference_kind", "reference",
		}).AddRow("gp-1", "payer-1", payee, int64(1000), int64(100), int64(900), status, kind, reference))
}

func TestPaymentSucceededDepositCreditsPayer(t *testing.T) {
	mock := newMockPool(t)
	payload := WebhookPayload{ID: "evt_1", Type: "payment_intent.succeeded"}
	payload.Data.Object = json.RawMessage(`{"id":"pi_1","status":"succeeded"}`)

	mock.ExpectBegin()
	expectGatewayPaymentLock(mock, "pi_1", "pending", "deposit", nil, nil)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE gateway_payments SET status = $1")).
		WithArgs("succeeded", "gp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, locked, total_earned, updated_at")).
		WithArgs("payer-1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "balance", "locked", "total_earned", "updated_at"}).
			AddRow("payer-1", int64(0), int64(0), int64(0), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET balance = balance + $1")).
		WithArgs(int64(1000), "payer-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(pgxmock.AnyArg(), "payer-1", ledger.KindDeposit, int64(1000),
			pgxmock.AnyArg(), ledger.StatusCompleted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if err := handlePaymentIntentEvent(context.Background(), payload, true); err != nil {
		t.Fatalf("deposit settlement failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPaymentSucceededSubscriptionSettlesSeller(t *testing.T) {
	mock := newMockPool(t)
	payload := WebhookPayload{ID: "evt_1", Type: "payment_intent.succeeded"}
	payload.Data.Object = json.RawMessage(`{"id":"pi_1","status":"succeeded"}`)

	mock.ExpectBegin()
	expectGatewayPaymentLock(mock, "pi_1", "pending", "subscription", "payee-1", "sub-1")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE gateway_payments SET status = $1")).
		WithArgs("succeeded", "gp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, locked, total_earned, updated_at")).
		WithArgs("payee-1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "balance", "locked", "total_earned", "updated_at"}).
			AddRow("payee-1", int64(0), int64(0), int64(0), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(pgxmock.AnyArg(), "payee-1", ledger.KindSubscriptionSale, int64(1000),
			pgxmock.AnyArg(), ledger.StatusCompleted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(pgxmock.AnyArg(), "payee-1", ledger.KindCommission, int64(-100),
			pgxmock.AnyArg(), ledger.StatusCompleted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("total_earned = total_earned + $1")).
		WithArgs(int64(900), "payee-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions")).
		WithArgs(pgxmock.AnyArg(), "sub-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := handlePaymentIntentEvent(context.Background(), payload, true); err != nil {
		t.Fatalf("subscription settlement failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPaymentSucceededTicketActivatesPurchase(t *testing.T) {
	mock := newMockPool(t)
	payload := WebhookPayload{ID: "evt_1", Type: "payment_intent.succeeded"}
	payload.Data.Object = json.RawMessage(`{"id":"pi_2","status":"succeeded"}`)

	mock.ExpectBegin()
	expectGatewayPaymentLock(mock, "pi_2", "pending", "ticket", "payee-1", "tp-1")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE gateway_payments SET status = $1")).
		WithArgs("succeeded", "gp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, locked, total_earned, updated_at")).
		WithArgs("payee-1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "balance", "locked", "total_earned", "updated_at"}).
			AddRow("payee-1", int64(0), int64(0), int64(0), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(pgxmock.AnyArg(), "payee-1", ledger.KindSubscriptionSale, int64(1000),
			pgxmock.AnyArg(), ledger.StatusCompleted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(pgxmock.AnyArg(), "payee-1", ledger.KindCommission, int64(-100),
			pgxmock.AnyArg(), ledger.StatusCompleted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("total_earned = total_earned + $1")).
		WithArgs(int64(900), "payee-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ticket_purchases")).
		WithArgs("tp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := handlePaymentIntentEvent(context.Background(), payload, true); err != nil {
		t.Fatalf("ticket settlement failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPaymentSucceededAlreadyTerminalIsNoOp(t *testing.T) {
	mock := newMockPool(t)
	payload := WebhookPayload{ID: "evt_1", Type: "payment_intent.succeeded"}
	payload.Data.Object = json.RawMessage(`{"id":"pi_1"}`)

	mock.ExpectBegin()
	expectGatewayPaymentLock(mock, "pi_1", "succeeded", "deposit", nil, nil)
	mock.ExpectRollback()

	if err := handlePaymentIntentEvent(context.Background(), payload, true); err != nil {
		t.Fatalf("replayed event must be a no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("replayed event must not mutate state: %v", err)
	}
}

func TestPaymentSucceededUnknownIntentDropped(t *testing.T) {
	mock := newMockPool(t)
	payload := WebhookPayload{ID: "evt_1", Type: "payment_intent.succeeded"}
	payload.Data.Object = json.RawMessage(`{"id":"pi_unknown"}`)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM gateway_payments")).
		WithArgs("pi_unknown").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	if err := handlePaymentIntentEvent(context.Background(), payload, true); err != nil {
		t.Fatalf("unknown intent must be dropped, got %v", err)
	}
}

func TestPaymentFailedCancelsPendingSubscription(t *testing.T) {
	mock := newMockPool(t)
	payload := WebhookPayload{ID: "evt_1", Type: "payment_intent.payment_failed"}
	payload.Data.Object = json.RawMessage(`{"id":"pi_1"}`)

	mock.ExpectBegin()
	expectGatewayPaymentLock(mock, "pi_1", "pending", "subscription", "payee-1", "sub-1")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE gateway_payments SET status = $1")).
		WithArgs("failed", "gp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions SET status = 'cancelled'")).
		WithArgs("sub-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := handlePaymentIntentEvent(context.Background(), payload, false); err != nil {
		t.Fatalf("failed payment handling errored: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
