package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintt/settlement-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

// runContract exercises the transactional contract every Store must honor.
// Account IDs are random so the suite can run against a shared database.
func runContract(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("absent rows read as zero", func(t *testing.T) {
		acct := uuid.NewString()
		w, err := st.GetWallet(ctx, acct)
		require.NoError(t, err)
		assert.Equal(t, acct, w.AccountID)
		assertDecimal(t, "0", w.Balance)

		h, err := st.GetHolding(ctx, acct, "BTC-USD")
		require.NoError(t, err)
		assert.Equal(t, "BTC-USD", h.Symbol)
		assertDecimal(t, "0", h.Quantity)

		hs, err := st.ListHoldings(ctx, acct)
		require.NoError(t, err)
		assert.Empty(t, hs)

		entries, err := st.ListLedgerEntries(ctx, acct)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("commit publishes all writes", func(t *testing.T) {
		acct := uuid.NewString()
		ts := time.Now().UTC().Truncate(time.Microsecond)
		entry := &model.LedgerEntry{
			AccountID: acct, Symbol: "BTC-USD", Side: model.SideBuy,
			Quantity: d("2"), UnitPrice: d("300.5"), Total: d("601"), Timestamp: ts,
			ResultingWalletBalance: d("399"), ResultingHoldingQuantity: d("2"),
		}
		err := st.WithTransaction(ctx, acct, "BTC-USD", func(ctx context.Context, tx Tx) error {
			w, err := tx.Wallet(ctx)
			require.NoError(t, err)
			assertDecimal(t, "0", w.Balance)

			require.NoError(t, tx.SetWallet(ctx, d("399")))
			require.NoError(t, tx.SetHolding(ctx, d("2")))

			// Reads inside the transaction see its own writes.
			w, err = tx.Wallet(ctx)
			require.NoError(t, err)
			assertDecimal(t, "399", w.Balance)
			h, err := tx.Holding(ctx)
			require.NoError(t, err)
			assertDecimal(t, "2", h.Quantity)

			return tx.AppendLedgerEntry(ctx, entry)
		})
		require.NoError(t, err)
		assert.NotZero(t, entry.ID)

		w, err := st.GetWallet(ctx, acct)
		require.NoError(t, err)
		assertDecimal(t, "399", w.Balance)

		h, err := st.GetHolding(ctx, acct, "BTC-USD")
		require.NoError(t, err)
		assertDecimal(t, "2", h.Quantity)

		entries, err := st.ListLedgerEntries(ctx, acct)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		got := entries[0]
		assert.Equal(t, entry.ID, got.ID)
		assert.Equal(t, model.SideBuy, got.Side)
		assert.Equal(t, "BTC-USD", got.Symbol)
		assertDecimal(t, "300.5", got.UnitPrice)
		assertDecimal(t, "601", got.Total)
		assertDecimal(t, "399", got.ResultingWalletBalance)
		assertDecimal(t, "2", got.ResultingHoldingQuantity)
		assert.True(t, ts.Equal(got.Timestamp), "timestamp %s != %s", got.Timestamp, ts)
	})

	t.Run("error rolls back everything", func(t *testing.T) {
		acct := uuid.NewString()
		seed(t, st, acct, "100")

		boom := errors.New("boom")
		err := st.WithTransaction(ctx, acct, "ETH-USD", func(ctx context.Context, tx Tx) error {
			require.NoError(t, tx.SetWallet(ctx, d("0")))
			require.NoError(t, tx.SetHolding(ctx, d("5")))
			require.NoError(t, tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
				AccountID: acct, Symbol: "ETH-USD", Side: model.SideBuy, Quantity: d("5"),
				UnitPrice: d("20"), Total: d("100"), Timestamp: time.Now().UTC(),
				ResultingWalletBalance: d("0"), ResultingHoldingQuantity: d("5"),
			}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		w, err := st.GetWallet(ctx, acct)
		require.NoError(t, err)
		assertDecimal(t, "100", w.Balance)

		h, err := st.GetHolding(ctx, acct, "ETH-USD")
		require.NoError(t, err)
		assertDecimal(t, "0", h.Quantity)

		entries, err := st.ListLedgerEntries(ctx, acct)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("negative values are rejected", func(t *testing.T) {
		acct := uuid.NewString()
		err := st.WithTransaction(ctx, acct, "BTC-USD", func(ctx context.Context, tx Tx) error {
			assert.ErrorIs(t, tx.SetWallet(ctx, d("-0.01")), ErrNegativeValue)
			assert.ErrorIs(t, tx.SetHolding(ctx, d("-1")), ErrNegativeValue)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("wallet-only transaction has no holding", func(t *testing.T) {
		acct := uuid.NewString()
		err := st.WithTransaction(ctx, acct, "", func(ctx context.Context, tx Tx) error {
			_, err := tx.Holding(ctx)
			assert.ErrorIs(t, err, ErrNoHoldingScope)
			assert.ErrorIs(t, tx.SetHolding(ctx, d("1")), ErrNoHoldingScope)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ledger ids increase in commit order", func(t *testing.T) {
		acct := uuid.NewString()
		other := uuid.NewString()
		seed(t, st, acct, "1")
		seed(t, st, other, "1")
		seed(t, st, acct, "2")

		entries, err := st.ListLedgerEntries(ctx, acct)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Less(t, entries[0].ID, entries[1].ID)
		assertDecimal(t, "2", entries[1].ResultingWalletBalance)
	})

	t.Run("holdings are listed by symbol", func(t *testing.T) {
		acct := uuid.NewString()
		for _, sym := range []string{"SOL-USD", "BTC-USD", "ETH-USD"} {
			err := st.WithTransaction(ctx, acct, sym, func(ctx context.Context, tx Tx) error {
				return tx.SetHolding(ctx, d("1"))
			})
			require.NoError(t, err)
		}
		hs, err := st.ListHoldings(ctx, acct)
		require.NoError(t, err)
		require.Len(t, hs, 3)
		assert.Equal(t, []string{"BTC-USD", "ETH-USD", "SOL-USD"}, []string{hs[0].Symbol, hs[1].Symbol, hs[2].Symbol})
	})

	t.Run("same-account transactions serialize", func(t *testing.T) {
		acct := uuid.NewString()
		const n = 20

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- st.WithTransaction(ctx, acct, "", func(ctx context.Context, tx Tx) error {
					w, err := tx.Wallet(ctx)
					if err != nil {
						return err
					}
					return tx.SetWallet(ctx, w.Balance.Add(decimal.NewFromInt(1)))
				})
			}()
		}
		wg.Wait()
		close(errs)

		committed := 0
		for err := range errs {
			if err == nil {
				committed++
				continue
			}
			assert.True(t, IsRetryable(err), "unexpected error: %v", err)
		}

		w, err := st.GetWallet(ctx, acct)
		require.NoError(t, err)
		assertDecimal(t, decimal.NewFromInt(int64(committed)).String(), w.Balance)
	})

	t.Run("different accounts proceed independently", func(t *testing.T) {
		if IsSingleWriter(st) {
			t.Skip("single-writer store: write transactions share one database lock across accounts")
		}
		held, other := uuid.NewString(), uuid.NewString()

		entered := make(chan struct{})
		release := make(chan struct{})
		heldErr := make(chan error, 1)
		go func() {
			heldErr <- st.WithTransaction(ctx, held, "BTC-USD", func(ctx context.Context, tx Tx) error {
				if err := tx.SetWallet(ctx, d("1")); err != nil {
					return err
				}
				close(entered)
				<-release
				return nil
			})
		}()
		<-entered

		// The other account must commit while the first transaction is still open.
		otherCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := st.WithTransaction(otherCtx, other, "ETH-USD", func(ctx context.Context, tx Tx) error {
			if err := tx.SetWallet(ctx, d("7")); err != nil {
				return err
			}
			return tx.SetHolding(ctx, d("3"))
		})
		close(release)
		require.NoError(t, err)
		require.NoError(t, <-heldErr)

		w, err := st.GetWallet(ctx, other)
		require.NoError(t, err)
		assertDecimal(t, "7", w.Balance)
	})
}

// seed deposits amount into acct through a transaction with a ledger entry.
func seed(t *testing.T, st Store, acct, amount string) {
	t.Helper()
	err := st.WithTransaction(context.Background(), acct, "", func(ctx context.Context, tx Tx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		balance := w.Balance.Add(d(amount))
		if err := tx.SetWallet(ctx, balance); err != nil {
			return err
		}
		return tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
			AccountID: acct, Side: model.SideDeposit, Quantity: d(amount),
			UnitPrice: decimal.NewFromInt(1), Total: d(amount), Timestamp: time.Now().UTC(),
			ResultingWalletBalance: balance, ResultingHoldingQuantity: decimal.Zero,
		})
	})
	require.NoError(t, err)
}
