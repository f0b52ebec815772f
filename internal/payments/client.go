package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/tipfolio-app/tipfolio/internal/config"
	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/logging"
	"github.com/tipfolio-app/tipfolio/internal/wallet"
)

var logger = logging.NewLoggerWithService("tipfolio")

// ErrGateway wraps failures reported by the payment gateway. The gateway's
// message is surfaced to the caller; this layer never auto-retries.
var ErrGateway = errors.New("payment gateway error")

// Init configures the gateway API key.
func Init() {
	stripe.Key = config.GetEnv("STRIPE_SECRET_KEY", "")
	if stripe.Key == "" {
		logger.Warn("STRIPE_SECRET_KEY not set; gateway-funded flows will fail")
	}
}

// IntentParams describes a payment intent to create. ReferenceID is the
// relationship (or empty for deposits) the payment funds.
type IntentParams struct {
	PayerID     string
	PayeeID     string
	Amount      int64
	PlatformFee int64
	Kind        string // subscription, ticket, deposit
	ReferenceID string
	Description string
}

// IntentResult is returned to the client so it can complete the payment.
type IntentResult struct {
	Success      bool   `json:"success"`
	ClientHandle string `json:"client_handle,omitempty"`
	PaymentID    string `json:"payment_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// CreatePaymentIntent creates an intent at the gateway and records a pending
// ExternalPayment row keyed by the intent id. The webhook settles it later.
func CreatePaymentIntent(ctx context.Context, p IntentParams) (*IntentResult, error) {
	if p.Amount <= 0 {
		return nil, wallet.ErrInvalidAmount
	}

	metadata := map[string]string{
		"payer_id":       p.PayerID,
		"reference_kind": p.Kind,
	}
	if p.PayeeID != "" {
		metadata["payee_id"] = p.PayeeID
	}
	if p.ReferenceID != "" {
		metadata["reference_id"] = p.ReferenceID
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(p.Amount),
		Currency:    stripe.String(config.GetEnv("GATEWAY_CURRENCY", "eur")),
		Description: stripe.String(p.Description),
		Metadata:    metadata,
	}
	params.Context = ctx

	intent, err := paymentintent.New(params)
	if err != nil {
		msg := gatewayMessage(err)
		logger.WithError(err).WithFields(logging.Fields{
			"payer_id": p.PayerID,
			"kind":     p.Kind,
		}).Error("Failed to create payment intent")
		return nil, fmt.Errorf("%w: %s", ErrGateway, msg)
	}

	var payee, reference any
	if p.PayeeID != "" {
		payee = p.PayeeID
	}
	if p.ReferenceID != "" {
		reference = p.ReferenceID
	}
	_, err = db.Conn.Exec(ctx,
		`INSERT INTO gateway_payments
		     (id, payment_intent_id, payer_id, payee_id, amount, platform_fee, net_amount, status, reference_kind, reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9)`,
		uuid.New().String(), intent.ID, p.PayerID, payee,
		p.Amount, p.PlatformFee, p.Amount-p.PlatformFee, p.Kind, reference,
	)
	if err != nil {
		// Best effort: void the orphaned intent so it cannot be completed.
		if _, cancelErr := paymentintent.Cancel(intent.ID, nil); cancelErr != nil {
			logger.WithError(cancelErr).WithField("payment_intent_id", intent.ID).
				Warn("Failed to cancel orphaned payment intent")
		}
		return nil, fmt.Errorf("record gateway payment: %w", err)
	}

	logger.WithFields(logging.Fields{
		"payment_intent_id": intent.ID,
		"payer_id":          p.PayerID,
		"kind":              p.Kind,
		"amount":            p.Amount,
	}).Info("Created payment intent")

	return &IntentResult{
		Success:      true,
		ClientHandle: intent.ClientSecret,
		PaymentID:    intent.ID,
	}, nil
}

func gatewayMessage(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return stripeErr.Msg
	}
	return err.Error()
}
