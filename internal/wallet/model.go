package wallet

import (
	"errors"
	"time"
)

// Wallet is the per-user balance aggregate. All amounts are minor units.
// balance is spendable; locked holds funds reserved for pending withdrawals.
type Wallet struct {
	UserID      string    `json:"user_id"`
	Balance     int64     `json:"balance"`
	Locked      int64     `json:"locked"`
	TotalEarned int64     `json:"total_earned"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	// ErrInsufficientFunds is returned when a debit exceeds spendable balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotFound is returned when no wallet row exists for the user.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be greater than zero")
)
