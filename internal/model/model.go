// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a ledger mutation.
type Side string

const (
	SideBuy        Side = "buy"
	SideSell       Side = "sell"
	SideDeposit    Side = "deposit"
	SideWithdrawal Side = "withdrawal"
)

// IsTrade reports whether s is a buy or a sell.
func (s Side) IsTrade() bool {
	return s == SideBuy || s == SideSell
}

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideDeposit, SideWithdrawal:
		return true
	}
	return false
}

// Wallet is the fiat cash balance of one account. Balance is never negative.
type Wallet struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is the quantity of one symbol held by one account.
// Unique per (AccountID, Symbol); Quantity is never negative.
type Holding struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeIntent is the ephemeral buy/sell request handed to the settlement engine.
// Only its resolved outcome (a LedgerEntry) is ever persisted.
type TradeIntent struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// LedgerEntry is an immutable record of a settled wallet mutation.
// Once created, these are never modified or deleted. IDs are assigned by the
// store and increase monotonically in commit order.
type LedgerEntry struct {
	ID                       int64           `json:"id" db:"id"`
	AccountID                string          `json:"account_id" db:"account_id"`
	Symbol                   string          `json:"symbol" db:"symbol"` // empty for deposits/withdrawals
	Side                     Side            `json:"side" db:"side"`
	Quantity                 decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice                decimal.Decimal `json:"unit_price" db:"unit_price"`
	Total                    decimal.Decimal `json:"total" db:"total"`
	Timestamp                time.Time       `json:"timestamp" db:"timestamp"`
	ResultingWalletBalance   decimal.Decimal `json:"resulting_wallet_balance" db:"resulting_wallet_balance"`
	ResultingHoldingQuantity decimal.Decimal `json:"resulting_holding_quantity" db:"resulting_holding_quantity"`
}

// WalletDelta is the signed change this entry applied to the wallet balance.
func (e LedgerEntry) WalletDelta() decimal.Decimal {
	switch e.Side {
	case SideBuy, SideWithdrawal:
		return e.Total.Neg()
	case SideSell, SideDeposit:
		return e.Total
	}
	return decimal.Zero
}

// HoldingDelta is the signed change this entry applied to the holding of e.Symbol.
func (e LedgerEntry) HoldingDelta() decimal.Decimal {
	switch e.Side {
	case SideBuy:
		return e.Quantity
	case SideSell:
		return e.Quantity.Neg()
	}
	return decimal.Zero
}

// Quote is a time-bound price observation. Never persisted.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	LastTrade decimal.Decimal `json:"last_trade"`
	FetchedAt time.Time       `json:"fetched_at"`
	Source    string          `json:"source,omitempty"`
}

// PriceFor returns the side of the book a trade executes against:
// the ask for buys, the bid for sells.
func (q Quote) PriceFor(side Side) decimal.Decimal {
	if side == SideSell {
		return q.Bid
	}
	return q.Ask
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}
