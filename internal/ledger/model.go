package ledger

import "time"

// Entry kinds. Amounts are signed: debits carry negative amounts.
const (
	KindDeposit              = "deposit"
	KindPurchase             = "purchase"
	KindSubscriptionPurchase = "subscription_purchase"
	KindSubscriptionSale     = "subscription_sale"
	KindCommission           = "commission"
	KindWithdrawRequest      = "withdraw_request"
)

// Entry statuses. Completed entries are immutable.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry is one balance movement on a wallet. The sum of a wallet's completed
// entries equals (balance + locked) minus the wallet's initial balance.
type Entry struct {
	ID        string    `json:"id"`
	WalletID  string    `json:"wallet_id"`
	Kind      string    `json:"kind"`
	Amount    int64     `json:"amount"`
	Reference *string   `json:"reference,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
