package settlement

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fintt/settlement-engine/internal/limits"
	"github.com/fintt/settlement-engine/internal/model"
	"github.com/fintt/settlement-engine/internal/quote"
	"github.com/fintt/settlement-engine/internal/store"
)

const acct = "user-1"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

type testEnv struct {
	engine *Engine
	store  store.Store
	quotes *quote.StaticSource
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

func newTestEnvWithStore(t *testing.T, st store.Store, opts ...Option) *testEnv {
	t.Helper()
	src := quote.NewStaticSource()
	src.Set(model.Quote{Symbol: "BTC-USD", Bid: d("299"), Ask: d("300"), LastTrade: d("299.50")})
	src.Set(model.Quote{Symbol: "ETH-USD", Bid: d("19.5"), Ask: d("20"), LastTrade: d("19.75")})

	gw := quote.NewGateway(src, quote.WithTimeout(time.Second), quote.WithStaleness(5*time.Second))
	opts = append([]Option{WithConfig(fastConfig())}, opts...)
	return &testEnv{
		engine: New(st, gw, opts...),
		store:  st,
		quotes: src,
	}
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	return newTestEnvWithStore(t, store.NewMemoryStore(), opts...)
}

func (e *testEnv) fund(t *testing.T, amount string) {
	t.Helper()
	_, err := e.engine.Deposit(context.Background(), acct, d(amount))
	require.NoError(t, err)
}

func (e *testEnv) buy(qty string) (*model.LedgerEntry, error) {
	return e.engine.SettleTrade(context.Background(), model.TradeIntent{
		AccountID: acct, Symbol: "BTC-USD", Side: model.SideBuy, Quantity: d(qty),
	})
}

func (e *testEnv) sell(qty string) (*model.LedgerEntry, error) {
	return e.engine.SettleTrade(context.Background(), model.TradeIntent{
		AccountID: acct, Symbol: "BTC-USD", Side: model.SideSell, Quantity: d(qty),
	})
}

func (e *testEnv) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	w, err := e.engine.GetWallet(context.Background(), acct)
	require.NoError(t, err)
	return w.Balance
}

func (e *testEnv) holding(t *testing.T) decimal.Decimal {
	t.Helper()
	h, err := e.engine.GetHolding(context.Background(), acct, "BTC-USD")
	require.NoError(t, err)
	return h.Quantity
}

func (e *testEnv) ledger(t *testing.T) []model.LedgerEntry {
	t.Helper()
	entries, err := e.engine.ListLedgerEntries(context.Background(), acct)
	require.NoError(t, err)
	return entries
}

// --- Scenarios ---

func TestSettleTrade_BuyDebitsWalletAndCreditsHolding(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "1000.00")

	entry, err := env.buy("2")
	require.NoError(t, err)

	assert.Equal(t, model.SideBuy, entry.Side)
	assert.Equal(t, "BTC-USD", entry.Symbol)
	assertDecimal(t, "300", entry.UnitPrice)
	assertDecimal(t, "600", entry.Total)
	assertDecimal(t, "400", entry.ResultingWalletBalance)
	assertDecimal(t, "2", entry.ResultingHoldingQuantity)
	assert.NotZero(t, entry.ID)

	assertDecimal(t, "400", env.balance(t))
	assertDecimal(t, "2", env.holding(t))
	assert.Len(t, env.ledger(t), 2)
}

func TestSettleTrade_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "100.00")

	_, err := env.buy("1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, KindInsufficientFunds, KindOf(err))

	assertDecimal(t, "100", env.balance(t))
	assertDecimal(t, "0", env.holding(t))
	assert.Len(t, env.ledger(t), 1)
}

func TestSettleTrade_InsufficientHoldings(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "1000")

	_, err := env.sell("1")
	assert.ErrorIs(t, err, ErrInsufficientHoldings)
	assertDecimal(t, "1000", env.balance(t))
	assert.Len(t, env.ledger(t), 1)
}

func TestSettleTrade_ExactBalanceSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "600")

	_, err := env.buy("2")
	require.NoError(t, err)
	assertDecimal(t, "0", env.balance(t))

	// Exact holding is also enough to sell.
	entry, err := env.sell("2")
	require.NoError(t, err)
	assertDecimal(t, "299", entry.UnitPrice)
	assertDecimal(t, "598", entry.ResultingWalletBalance)
	assertDecimal(t, "0", entry.ResultingHoldingQuantity)
}

func TestSettleTrade_StaleQuote(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "1000")
	env.quotes.Set(model.Quote{
		Symbol: "BTC-USD", Bid: d("299"), Ask: d("300"), LastTrade: d("299"),
		FetchedAt: time.Now().Add(-time.Minute),
	})

	_, err := env.buy("1")
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
	assert.True(t, errors.Is(err, quote.ErrStale))
	assertDecimal(t, "1000", env.balance(t))
	assert.Len(t, env.ledger(t), 1)
}

func TestSettleTrade_QuoteMissing(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "1000")

	_, err := env.engine.SettleTrade(context.Background(), model.TradeIntent{
		AccountID: acct, Symbol: "SOL-USD", Side: model.SideBuy, Quantity: d("1"),
	})
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
	assert.True(t, KindOf(err).Retryable())
}

func TestSettleTrade_ConcurrentHalfBalanceBuys(t *testing.T) {
	t.Run("both fit", func(t *testing.T) {
		env := newTestEnv(t)
		env.fund(t, "600")
		results := concurrentBuys(env, "1", 2)
		assert.Equal(t, 2, results.ok)
		assertDecimal(t, "0", env.balance(t))
		assertDecimal(t, "2", env.holding(t))
	})

	t.Run("only one fits", func(t *testing.T) {
		env := newTestEnv(t)
		env.fund(t, "500")
		results := concurrentBuys(env, "1", 2)
		assert.Equal(t, 1, results.ok)
		assert.Equal(t, 1, results.insufficient)
		assertDecimal(t, "200", env.balance(t))
		assertDecimal(t, "1", env.holding(t))
	})
}

type buyResults struct {
	ok, insufficient, other int
}

func concurrentBuys(env *testEnv, qty string, n int) buyResults {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results buyResults
		start   = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.buy(qty)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results.ok++
			case errors.Is(err, ErrInsufficientFunds):
				results.insufficient++
			default:
				results.other++
			}
		}()
	}
	close(start)
	wg.Wait()
	return results
}

// --- Validation ---

func TestSettleTrade_InvalidIntent(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "1000")

	tests := []struct {
		name   string
		intent model.TradeIntent
	}{
		{"zero quantity", model.TradeIntent{AccountID: acct, Symbol: "BTC-USD", Side: model.SideBuy, Quantity: decimal.Zero}},
		{"negative quantity", model.TradeIntent{AccountID: acct, Symbol: "BTC-USD", Side: model.SideBuy, Quantity: d("-1")}},
		{"bad side", model.TradeIntent{AccountID: acct, Symbol: "BTC-USD", Side: "hold", Quantity: d("1")}},
		{"deposit side", model.TradeIntent{AccountID: acct, Symbol: "BTC-USD", Side: model.SideDeposit, Quantity: d("1")}},
		{"missing account", model.TradeIntent{Symbol: "BTC-USD", Side: model.SideBuy, Quantity: d("1")}},
		{"bad symbol", model.TradeIntent{AccountID: acct, Symbol: "$$$", Side: model.SideBuy, Quantity: d("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.SettleTrade(context.Background(), tt.intent)
			assert.ErrorIs(t, err, ErrInvalidIntent)
			assert.False(t, KindOf(err).Retryable())
		})
	}
	assertDecimal(t, "1000", env.balance(t))
	assert.Len(t, env.ledger(t), 1)
}

func TestSettleTrade_LotSize(t *testing.T) {
	cfg := fastConfig()
	cfg.LotSize = d("0.01")
	env := newTestEnv(t, WithConfig(cfg))
	env.fund(t, "1000")

	_, err := env.buy("0.005")
	assert.ErrorIs(t, err, ErrInvalidIntent)

	_, err = env.buy("0.015")
	assert.ErrorIs(t, err, ErrInvalidIntent)

	entry, err := env.buy("0.02")
	require.NoError(t, err)
	assertDecimal(t, "6", entry.Total)
}

func TestSettleTrade_NormalizesSymbol(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "1000")

	entry, err := env.engine.SettleTrade(context.Background(), model.TradeIntent{
		AccountID: acct, Symbol: "xbt/usd", Side: model.SideBuy, Quantity: d("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", entry.Symbol)
	assertDecimal(t, "1", env.holding(t))
}

func TestSettleTrade_RoundsTotalToPriceScale(t *testing.T) {
	cfg := fastConfig()
	cfg.PriceScale = 2
	env := newTestEnv(t, WithConfig(cfg))
	env.fund(t, "1000")
	env.quotes.Set(model.Quote{Symbol: "ETH-USD", Bid: d("19.5"), Ask: d("20.333"), LastTrade: d("20")})

	entry, err := env.engine.SettleTrade(context.Background(), model.TradeIntent{
		AccountID: acct, Symbol: "ETH-USD", Side: model.SideBuy, Quantity: d("1.5"),
	})
	require.NoError(t, err)
	assertDecimal(t, "30.50", entry.Total)
	assertDecimal(t, "969.50", entry.ResultingWalletBalance)
}

func TestSettleTrade_LimitExceeded(t *testing.T) {
	env := newTestEnv(t, WithLimiter(limits.NewLimiter(d("1"), decimal.Zero)))
	env.fund(t, "1000")

	_, err := env.buy("2")
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.True(t, errors.Is(err, limits.ErrHoldingLimitExceeded))
	assertDecimal(t, "1000", env.balance(t))

	_, err = env.buy("1")
	assert.NoError(t, err)
}

// --- Atomicity and retry ---

// faultyStore wraps a Store to inject transaction failures.
type faultyStore struct {
	store.Store
	conflicts      int32 // leading WithTransaction calls that fail with ErrConflict
	failSetHolding error
	calls          atomic.Int32
}

func (s *faultyStore) WithTransaction(ctx context.Context, accountID, symbol string, fn store.TxFunc) error {
	if n := s.calls.Add(1); n <= s.conflicts {
		return errors.Wrap(store.ErrConflict, "injected serialization failure")
	}
	return s.Store.WithTransaction(ctx, accountID, symbol, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, failSetHolding: s.failSetHolding})
	})
}

type faultyTx struct {
	store.Tx
	failSetHolding error
}

func (t *faultyTx) SetHolding(ctx context.Context, q decimal.Decimal) error {
	if t.failSetHolding != nil {
		return t.failSetHolding
	}
	return t.Tx.SetHolding(ctx, q)
}

func TestSettleTrade_FaultAfterDebitRollsBack(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemoryStore()}
	env := newTestEnvWithStore(t, fs)
	env.fund(t, "1000")

	fs.failSetHolding = errors.New("injected crash between debit and credit")
	_, err := env.buy("2")
	require.Error(t, err)
	assert.Equal(t, KindStorageUnavailable, KindOf(err))

	assertDecimal(t, "1000", env.balance(t))
	assertDecimal(t, "0", env.holding(t))
	assert.Len(t, env.ledger(t), 1)
}

func TestSettleTrade_RetriesConflicts(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemoryStore()}
	env := newTestEnvWithStore(t, fs)
	env.fund(t, "1000")

	fs.calls.Store(0)
	fs.conflicts = 2
	entry, err := env.buy("1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, fs.calls.Load())
	assertDecimal(t, "700", entry.ResultingWalletBalance)
	assert.Len(t, env.ledger(t), 2)
}

func TestSettleTrade_RetryLogsAttemptBudget(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	fs := &faultyStore{Store: store.NewMemoryStore()}
	cfg := fastConfig()
	cfg.MaxAttempts = 4
	cfg.BackoffMultiplier = 1.5
	cfg.BackoffJitter = 0
	env := newTestEnvWithStore(t, fs, WithConfig(cfg), WithLogger(zap.New(core)))
	env.fund(t, "1000")

	fs.calls.Store(0)
	fs.conflicts = 1
	_, err := env.buy("1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fs.calls.Load())

	retries := logs.FilterMessage("settlement conflict, retrying").All()
	require.Len(t, retries, 1)
	fields := retries[0].ContextMap()
	assert.EqualValues(t, 1, fields["attempt"])
	assert.EqualValues(t, 4, fields["max_attempts"])
}

func TestSettleTrade_ConflictExhaustion(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemoryStore()}
	env := newTestEnvWithStore(t, fs)
	env.fund(t, "1000")

	fs.calls.Store(0)
	fs.conflicts = 100
	_, err := env.buy("1")
	assert.ErrorIs(t, err, ErrSettlementConflict)
	assert.True(t, KindOf(err).Retryable())
	assert.EqualValues(t, 3, fs.calls.Load())
	assertDecimal(t, "1000", env.balance(t))
	assert.Len(t, env.ledger(t), 1)
}

func TestSettleTrade_BusinessErrorsAreNotRetried(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemoryStore()}
	env := newTestEnvWithStore(t, fs)

	_, err := env.buy("1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.EqualValues(t, 1, fs.calls.Load())
}

func TestSettleTrade_CanceledContext(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "1000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.engine.SettleTrade(ctx, model.TradeIntent{
		AccountID: acct, Symbol: "BTC-USD", Side: model.SideBuy, Quantity: d("1"),
	})
	require.Error(t, err)
	assertDecimal(t, "1000", env.balance(t))
}

// --- Properties ---

func TestSettleTrade_ConcurrentTradesMatchLedger(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "5000")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed*7+1))
			for j := 0; j < 10; j++ {
				qty := decimal.NewFromInt(int64(r.IntN(3) + 1))
				if r.IntN(2) == 0 {
					_, _ = env.buy(qty.String())
				} else {
					_, _ = env.sell(qty.String())
				}
			}
		}(uint64(i))
	}
	wg.Wait()

	balance := env.balance(t)
	holding := env.holding(t)
	assert.False(t, balance.IsNegative())
	assert.False(t, holding.IsNegative())

	replayBalance, replayHolding := decimal.Zero, decimal.Zero
	var lastID int64
	for _, e := range env.ledger(t) {
		assert.Greater(t, e.ID, lastID, "ledger ids must increase")
		lastID = e.ID
		replayBalance = replayBalance.Add(e.WalletDelta())
		replayHolding = replayHolding.Add(e.HoldingDelta())
		assert.False(t, e.ResultingWalletBalance.IsNegative())
		assert.False(t, e.ResultingHoldingQuantity.IsNegative())
		assert.True(t, replayBalance.Equal(e.ResultingWalletBalance), "entry %d", e.ID)
	}
	assertDecimal(t, balance.String(), replayBalance)
	assertDecimal(t, holding.String(), replayHolding)

	report, err := env.engine.Reconcile(context.Background(), acct)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestSettleTrade_DifferentAccountsDoNotBlock(t *testing.T) {
	env := newTestEnv(t)
	for _, a := range []string{"a", "b"} {
		_, err := env.engine.Deposit(context.Background(), a, d("1000"))
		require.NoError(t, err)
	}

	// Hold account "a" locked while "b" settles.
	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = env.store.WithTransaction(context.Background(), "a", "BTC-USD", func(ctx context.Context, tx store.Tx) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := env.engine.SettleTrade(ctx, model.TradeIntent{
		AccountID: "b", Symbol: "BTC-USD", Side: model.SideBuy, Quantity: d("1"),
	})
	assert.NoError(t, err)
}

func TestGetWallet_IdempotentRead(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "123.45")

	first, err := env.engine.GetWallet(context.Background(), acct)
	require.NoError(t, err)
	second, err := env.engine.GetWallet(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetWallet_NeverFunded(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.engine.GetWallet(context.Background(), "nobody")
	require.NoError(t, err)
	assertDecimal(t, "0", w.Balance)
}

// --- Deposits and withdrawals ---

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t)

	dep, err := env.engine.Deposit(context.Background(), acct, d("250.50"))
	require.NoError(t, err)
	assert.Equal(t, model.SideDeposit, dep.Side)
	assert.Empty(t, dep.Symbol)
	assertDecimal(t, "1", dep.UnitPrice)
	assertDecimal(t, "250.50", dep.Total)

	wd, err := env.engine.Withdraw(context.Background(), acct, d("50.50"))
	require.NoError(t, err)
	assert.Equal(t, model.SideWithdrawal, wd.Side)
	assertDecimal(t, "200", wd.ResultingWalletBalance)
	assert.Greater(t, wd.ID, dep.ID)

	_, err = env.engine.Withdraw(context.Background(), acct, d("200.01"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = env.engine.Withdraw(context.Background(), acct, d("200"))
	assert.NoError(t, err)
	assertDecimal(t, "0", env.balance(t))
}

func TestDeposit_Invalid(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Deposit(context.Background(), acct, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidIntent)
	_, err = env.engine.Deposit(context.Background(), acct, d("-5"))
	assert.ErrorIs(t, err, ErrInvalidIntent)
	_, err = env.engine.Deposit(context.Background(), "", d("5"))
	assert.ErrorIs(t, err, ErrInvalidIntent)
	_, err = env.engine.Deposit(context.Background(), acct, d("0.000000001"))
	assert.ErrorIs(t, err, ErrInvalidIntent)
	assert.Empty(t, env.ledger(t))
}

// --- Observers and reads ---

func TestObserverReceivesCommittedEntries(t *testing.T) {
	var got []model.LedgerEntry
	env := newTestEnv(t, WithObserver(func(e model.LedgerEntry) { got = append(got, e) }))
	env.fund(t, "1000")
	_, err := env.buy("1")
	require.NoError(t, err)
	_, err = env.buy("10")
	require.Error(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, model.SideDeposit, got[0].Side)
	assert.Equal(t, model.SideBuy, got[1].Side)
}

func TestListHoldings(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "1000")
	_, err := env.buy("1")
	require.NoError(t, err)
	_, err = env.engine.SettleTrade(context.Background(), model.TradeIntent{
		AccountID: acct, Symbol: "ETH", Side: model.SideBuy, Quantity: d("3"),
	})
	require.NoError(t, err)

	hs, err := env.engine.ListHoldings(context.Background(), acct)
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, "BTC-USD", hs[0].Symbol)
	assert.Equal(t, "ETH-USD", hs[1].Symbol)
	assertDecimal(t, "3", hs[1].Quantity)
}

func TestQuote(t *testing.T) {
	env := newTestEnv(t)

	q, err := env.engine.Quote(context.Background(), "btcusd")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", q.Symbol)
	assertDecimal(t, "300", q.Ask)

	_, err = env.engine.Quote(context.Background(), "!")
	assert.ErrorIs(t, err, ErrInvalidIntent)
}
