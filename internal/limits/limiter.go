// Package limits implements optional per-trade risk limits applied inside the
// settlement transaction, after the locked balances are known.
package limits

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/fintt/settlement-engine/internal/model"
)

var (
	// ErrHoldingLimitExceeded is returned when a buy would push a holding
	// beyond the per-symbol maximum.
	ErrHoldingLimitExceeded = errors.New("limits: holding limit exceeded")

	// ErrNotionalLimitExceeded is returned when a single trade's total is
	// beyond the per-trade notional maximum.
	ErrNotionalLimitExceeded = errors.New("limits: notional limit exceeded")
)

// Limiter enforces position limits. A zero limit disables that check, and a
// nil *Limiter allows everything.
type Limiter struct {
	// MaxHolding is the largest quantity of any one symbol an account may
	// hold after a buy. PerSymbol overrides it for individual symbols.
	MaxHolding decimal.Decimal

	// PerSymbol holds per-symbol MaxHolding overrides keyed by canonical symbol.
	PerSymbol map[string]decimal.Decimal

	// MaxNotional is the largest total (quantity * unit price) of one trade.
	MaxNotional decimal.Decimal
}

// NewLimiter creates a limiter with the given holding and notional limits.
func NewLimiter(maxHolding, maxNotional decimal.Decimal) *Limiter {
	return &Limiter{
		MaxHolding:  maxHolding,
		MaxNotional: maxNotional,
		PerSymbol:   make(map[string]decimal.Decimal),
	}
}

// SetSymbolLimit overrides MaxHolding for one symbol.
func (l *Limiter) SetSymbolLimit(symbol string, max decimal.Decimal) {
	l.PerSymbol[symbol] = max
}

// CheckTrade validates a trade given the holding quantity it would leave
// behind. Sells only ever reduce exposure, so only the notional check
// applies to them.
func (l *Limiter) CheckTrade(symbol string, side model.Side, total, resultingHolding decimal.Decimal) error {
	if l == nil {
		return nil
	}

	if l.MaxNotional.IsPositive() && total.GreaterThan(l.MaxNotional) {
		return errors.Wrapf(ErrNotionalLimitExceeded, "total %s > max %s", total, l.MaxNotional)
	}

	if side != model.SideBuy {
		return nil
	}
	max := l.MaxHolding
	if override, ok := l.PerSymbol[symbol]; ok {
		max = override
	}
	if max.IsPositive() && resultingHolding.GreaterThan(max) {
		return errors.Wrapf(ErrHoldingLimitExceeded, "%s holding %s > max %s", symbol, resultingHolding, max)
	}
	return nil
}
