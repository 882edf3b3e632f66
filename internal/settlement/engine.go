// Package settlement is the Settlement Engine. It turns a trade intent and a
// live quote into one atomic mutation of a wallet, a holding and the
// append-only ledger, and every other balance change (deposits, withdrawals)
// goes through the same transactional path so the ledger stays authoritative.
//
// The engine holds no shared mutable state of its own. Serialization of
// concurrent calls for one account is the Ledger Store's job, which keeps the
// guarantees intact across multiple service instances.
package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/limits"
	"github.com/fintt/settlement-engine/internal/metrics"
	"github.com/fintt/settlement-engine/internal/model"
	"github.com/fintt/settlement-engine/internal/quote"
	"github.com/fintt/settlement-engine/internal/retry"
	"github.com/fintt/settlement-engine/internal/store"
)

// QuoteProvider is the part of the Quote Gateway the engine depends on.
type QuoteProvider interface {
	GetQuote(ctx context.Context, symbol string) (model.Quote, error)
	Normalize(raw string) (string, error)
}

// Config holds the tunables of the engine.
type Config struct {
	// MaxAttempts is the total number of transaction attempts per call,
	// including the first, before a conflict is surfaced.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackoffMultiplier grows the wait after each conflict; values below 1
	// keep the default. BackoffJitter spreads each wait by that fraction.
	BackoffMultiplier float64
	BackoffJitter     float64

	// LotSize, when positive, requires every trade quantity to be a whole
	// multiple of it.
	LotSize decimal.Decimal

	// PriceScale is the number of decimal places totals are rounded to.
	PriceScale int32
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        200 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffJitter:     0.2,
		PriceScale:        8,
	}
}

// Observer is notified with every committed ledger entry.
type Observer func(model.LedgerEntry)

// Engine settles trades against a Store using quotes from a QuoteProvider.
type Engine struct {
	store     store.Store
	quotes    QuoteProvider
	limiter   *limits.Limiter
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
	observers []Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLimiter enables risk limits.
func WithLimiter(l *limits.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithObserver registers fn to be called after each commit. Observers run
// synchronously on the settling goroutine and must not block.
func WithObserver(fn Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// New creates an engine. The store handle is owned by the caller.
func New(st store.Store, quotes QuoteProvider, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		quotes: quotes,
		cfg:    DefaultConfig(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SettleTrade validates intent, prices it from a fresh quote and applies it
// atomically. On success it returns the committed ledger entry; on failure
// it returns an *Error and nothing was written.
func (e *Engine) SettleTrade(ctx context.Context, intent model.TradeIntent) (*model.LedgerEntry, error) {
	start := time.Now()
	entry, err := e.settleTrade(ctx, intent)
	if err != nil {
		e.recordFailure(err)
		return nil, err
	}
	metrics.SettlementLatency.WithLabelValues(string(entry.Side)).Observe(time.Since(start).Seconds())
	metrics.SettledVolume.WithLabelValues(entry.Symbol, string(entry.Side)).Add(entry.Quantity.InexactFloat64())
	e.committed(entry)
	return entry, nil
}

func (e *Engine) settleTrade(ctx context.Context, intent model.TradeIntent) (*model.LedgerEntry, error) {
	symbol, err := e.validateIntent(intent)
	if err != nil {
		return nil, err
	}

	q, err := e.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return nil, e.quoteError(symbol, err)
	}
	unitPrice := q.PriceFor(intent.Side)
	if !unitPrice.IsPositive() {
		metrics.QuoteFailures.WithLabelValues("invalid").Inc()
		return nil, newError(KindQuoteUnavailable, nil, "%s quote has no usable %s price", symbol, intent.Side)
	}
	total := unitPrice.Mul(intent.Quantity).Round(e.cfg.PriceScale)

	log := e.logger.With(
		zap.String("settlement_id", uuid.NewString()),
		zap.String("account_id", intent.AccountID),
		zap.String("symbol", symbol),
		zap.String("side", string(intent.Side)),
		zap.String("quantity", intent.Quantity.String()),
		zap.String("total", total.String()),
	)

	var entry model.LedgerEntry
	attempts, err := e.transact(ctx, log, intent.AccountID, symbol, func(ctx context.Context, tx store.Tx) error {
		wallet, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		holding, err := tx.Holding(ctx)
		if err != nil {
			return err
		}

		balance, quantity := wallet.Balance, holding.Quantity
		switch intent.Side {
		case model.SideBuy:
			if balance.LessThan(total) {
				return newError(KindInsufficientFunds, nil, "balance %s < total %s", balance, total)
			}
			balance = balance.Sub(total)
			quantity = quantity.Add(intent.Quantity)
		case model.SideSell:
			if quantity.LessThan(intent.Quantity) {
				return newError(KindInsufficientHoldings, nil, "%s holding %s < quantity %s", symbol, quantity, intent.Quantity)
			}
			quantity = quantity.Sub(intent.Quantity)
			balance = balance.Add(total)
		}

		if err := e.limiter.CheckTrade(symbol, intent.Side, total, quantity); err != nil {
			metrics.LimitRejections.Inc()
			return newError(KindLimitExceeded, err, "trade rejected")
		}

		if err := tx.SetWallet(ctx, balance); err != nil {
			return err
		}
		if err := tx.SetHolding(ctx, quantity); err != nil {
			return err
		}

		entry = model.LedgerEntry{
			AccountID:                intent.AccountID,
			Symbol:                   symbol,
			Side:                     intent.Side,
			Quantity:                 intent.Quantity,
			UnitPrice:                unitPrice,
			Total:                    total,
			Timestamp:                e.now().UTC(),
			ResultingWalletBalance:   balance,
			ResultingHoldingQuantity: quantity,
		}
		return tx.AppendLedgerEntry(ctx, &entry)
	})
	if err != nil {
		err = e.storeError(err, attempts)
		log.Debug("settlement rejected", zap.Int("attempt", attempts), zap.Error(err))
		return nil, err
	}

	log.Info("settled", zap.Int64("entry_id", entry.ID), zap.Int("attempt", attempts))
	return &entry, nil
}

// Deposit credits amount to the account's wallet.
func (e *Engine) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (*model.LedgerEntry, error) {
	return e.adjustWallet(ctx, accountID, model.SideDeposit, amount)
}

// Withdraw debits amount from the account's wallet. The balance must cover
// the amount in full.
func (e *Engine) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (*model.LedgerEntry, error) {
	return e.adjustWallet(ctx, accountID, model.SideWithdrawal, amount)
}

func (e *Engine) adjustWallet(ctx context.Context, accountID string, side model.Side, amount decimal.Decimal) (*model.LedgerEntry, error) {
	entry, err := e.walletEntry(ctx, accountID, side, amount)
	if err != nil {
		e.recordFailure(err)
		return nil, err
	}
	e.committed(entry)
	return entry, nil
}

func (e *Engine) walletEntry(ctx context.Context, accountID string, side model.Side, amount decimal.Decimal) (*model.LedgerEntry, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, newError(KindInvalidIntent, nil, "account_id is required")
	}
	if !amount.IsPositive() {
		return nil, newError(KindInvalidIntent, nil, "amount must be positive, got %s", amount)
	}
	if !amount.Equal(amount.Round(e.cfg.PriceScale)) {
		return nil, newError(KindInvalidIntent, nil, "amount %s has more than %d decimal places", amount, e.cfg.PriceScale)
	}

	log := e.logger.With(
		zap.String("settlement_id", uuid.NewString()),
		zap.String("account_id", accountID),
		zap.String("side", string(side)),
		zap.String("total", amount.String()),
	)

	var entry model.LedgerEntry
	attempts, err := e.transact(ctx, log, accountID, "", func(ctx context.Context, tx store.Tx) error {
		wallet, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}

		balance := wallet.Balance
		if side == model.SideWithdrawal {
			if balance.LessThan(amount) {
				return newError(KindInsufficientFunds, nil, "balance %s < withdrawal %s", balance, amount)
			}
			balance = balance.Sub(amount)
		} else {
			balance = balance.Add(amount)
		}

		if err := tx.SetWallet(ctx, balance); err != nil {
			return err
		}
		entry = model.LedgerEntry{
			AccountID:                accountID,
			Side:                     side,
			Quantity:                 amount,
			UnitPrice:                decimal.NewFromInt(1),
			Total:                    amount,
			Timestamp:                e.now().UTC(),
			ResultingWalletBalance:   balance,
			ResultingHoldingQuantity: decimal.Zero,
		}
		return tx.AppendLedgerEntry(ctx, &entry)
	})
	if err != nil {
		err = e.storeError(err, attempts)
		log.Debug("wallet adjustment rejected", zap.Int("attempt", attempts), zap.Error(err))
		return nil, err
	}

	log.Info("wallet adjusted", zap.Int64("entry_id", entry.ID), zap.Int("attempt", attempts))
	return &entry, nil
}

// transact runs fn in a store transaction, retrying the whole transaction
// on storage conflicts only. It returns the number of attempts made.
func (e *Engine) transact(ctx context.Context, log *zap.Logger, accountID, symbol string, fn store.TxFunc) (int, error) {
	opts := []retry.Option{
		retry.WithMaxAttempts(e.cfg.MaxAttempts),
		retry.WithInitialInterval(e.cfg.InitialBackoff),
		retry.WithMaxInterval(e.cfg.MaxBackoff),
		retry.WithJitter(e.cfg.BackoffJitter),
		retry.WithRetryable(store.IsRetryable),
	}
	if e.cfg.BackoffMultiplier >= 1 {
		opts = append(opts, retry.WithMultiplier(e.cfg.BackoffMultiplier))
	}
	var policy *retry.Policy
	opts = append(opts, retry.WithOnRetry(func(attempt int, err error) {
		metrics.ConflictRetries.Inc()
		log.Warn("settlement conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts()),
			zap.Error(err))
	}))
	policy = retry.New(opts...)

	attempts := 0
	return retry.DoWithData(ctx, policy, func(ctx context.Context) (int, error) {
		attempts++
		return attempts, e.store.WithTransaction(ctx, accountID, symbol, fn)
	})
}

func (e *Engine) validateIntent(intent model.TradeIntent) (string, error) {
	if strings.TrimSpace(intent.AccountID) == "" {
		return "", newError(KindInvalidIntent, nil, "account_id is required")
	}
	if !intent.Side.IsTrade() {
		return "", newError(KindInvalidIntent, nil, "side must be buy or sell, got %q", intent.Side)
	}
	if !intent.Quantity.IsPositive() {
		return "", newError(KindInvalidIntent, nil, "quantity must be positive, got %s", intent.Quantity)
	}
	if lot := e.cfg.LotSize; lot.IsPositive() && !intent.Quantity.Mod(lot).IsZero() {
		return "", newError(KindInvalidIntent, nil, "quantity %s is not a multiple of lot size %s", intent.Quantity, lot)
	}
	symbol, err := e.quotes.Normalize(intent.Symbol)
	if err != nil {
		return "", newError(KindInvalidIntent, err, "symbol %q", intent.Symbol)
	}
	return symbol, nil
}

// Quote returns a validated quote for raw, with gateway failures mapped to
// the engine's error kinds.
func (e *Engine) Quote(ctx context.Context, raw string) (model.Quote, error) {
	symbol, err := e.quotes.Normalize(raw)
	if err != nil {
		return model.Quote{}, newError(KindInvalidIntent, err, "symbol %q", raw)
	}
	q, err := e.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return model.Quote{}, e.quoteError(symbol, err)
	}
	return q, nil
}

func (e *Engine) quoteError(symbol string, err error) error {
	switch {
	case errors.Is(err, quote.ErrInvalidSymbol):
		return newError(KindInvalidIntent, err, "symbol %q", symbol)
	case errors.Is(err, quote.ErrStale):
		metrics.QuoteFailures.WithLabelValues("stale").Inc()
	default:
		metrics.QuoteFailures.WithLabelValues("unavailable").Inc()
	}
	return newError(KindQuoteUnavailable, err, "%s", symbol)
}

// storeError maps an error returned from a transaction to a tagged Error.
// Engine errors raised inside the transaction pass through unchanged.
func (e *Engine) storeError(err error, attempts int) error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case store.IsRetryable(err):
		return newError(KindSettlementConflict, err, "gave up after %d attempts", attempts)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(KindStorageUnavailable, err, "settlement aborted")
	default:
		return newError(KindStorageUnavailable, err, "ledger store")
	}
}

func (e *Engine) recordFailure(err error) {
	if kind := KindOf(err); kind != "" {
		metrics.SettlementFailures.WithLabelValues(string(kind)).Inc()
	}
}

func (e *Engine) committed(entry *model.LedgerEntry) {
	metrics.SettlementsTotal.WithLabelValues(string(entry.Side)).Inc()
	for _, fn := range e.observers {
		fn(*entry)
	}
}

// --- Reads ---

// GetWallet returns the committed wallet of accountID. Never-funded accounts
// have a zero balance.
func (e *Engine) GetWallet(ctx context.Context, accountID string) (model.Wallet, error) {
	if strings.TrimSpace(accountID) == "" {
		return model.Wallet{}, newError(KindInvalidIntent, nil, "account_id is required")
	}
	w, err := e.store.GetWallet(ctx, accountID)
	if err != nil {
		return model.Wallet{}, e.storeError(err, 1)
	}
	return w, nil
}

// GetHolding returns the committed holding of symbol. symbol is normalized first.
func (e *Engine) GetHolding(ctx context.Context, accountID, symbol string) (model.Holding, error) {
	if strings.TrimSpace(accountID) == "" {
		return model.Holding{}, newError(KindInvalidIntent, nil, "account_id is required")
	}
	canonical, err := e.quotes.Normalize(symbol)
	if err != nil {
		return model.Holding{}, newError(KindInvalidIntent, err, "symbol %q", symbol)
	}
	h, err := e.store.GetHolding(ctx, accountID, canonical)
	if err != nil {
		return model.Holding{}, e.storeError(err, 1)
	}
	return h, nil
}

// ListHoldings returns every holding of accountID ordered by symbol.
func (e *Engine) ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, newError(KindInvalidIntent, nil, "account_id is required")
	}
	hs, err := e.store.ListHoldings(ctx, accountID)
	if err != nil {
		return nil, e.storeError(err, 1)
	}
	return hs, nil
}

// ListLedgerEntries returns the ledger of accountID in commit order.
func (e *Engine) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, newError(KindInvalidIntent, nil, "account_id is required")
	}
	entries, err := e.store.ListLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, e.storeError(err, 1)
	}
	return entries, nil
}

// Ping checks the ledger store.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return e.storeError(err, 1)
	}
	return nil
}
