package settlement

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/model"
	"github.com/fintt/settlement-engine/internal/store"
)

// BalanceCheck compares the balance implied by the ledger with the stored one.
type BalanceCheck struct {
	Symbol   string          `json:"symbol,omitempty"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
	OK       bool            `json:"ok"`
}

// ChainBreak is a ledger entry whose recorded resulting balance does not
// follow from the entries before it.
type ChainBreak struct {
	EntryID int64  `json:"entry_id"`
	Reason  string `json:"reason"`
}

// ReconcileReport is the outcome of replaying an account's ledger.
type ReconcileReport struct {
	AccountID   string         `json:"account_id"`
	Entries     int            `json:"entries"`
	Wallet      BalanceCheck   `json:"wallet"`
	Holdings    []BalanceCheck `json:"holdings"`
	ChainBreaks []ChainBreak   `json:"chain_breaks,omitempty"`
	OK          bool           `json:"ok"`
}

// Reconcile replays the ledger of accountID in ID order and compares the
// result against the stored wallet and holdings. The reads are not taken in
// one snapshot, so trades committing concurrently can show up as
// mismatches; run it against a quiet account.
func (e *Engine) Reconcile(ctx context.Context, accountID string) (*ReconcileReport, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, newError(KindInvalidIntent, nil, "account_id is required")
	}

	// Reconciliation compares against the source of truth, never the cache.
	src := store.Primary(e.store)

	entries, err := src.ListLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, e.storeError(err, 1)
	}
	wallet, err := src.GetWallet(ctx, accountID)
	if err != nil {
		return nil, e.storeError(err, 1)
	}
	holdings, err := src.ListHoldings(ctx, accountID)
	if err != nil {
		return nil, e.storeError(err, 1)
	}

	report := replay(accountID, entries)
	report.Wallet.Actual = wallet.Balance
	report.Wallet.OK = report.Wallet.Expected.Equal(wallet.Balance)

	actual := make(map[string]decimal.Decimal, len(holdings))
	for _, h := range holdings {
		actual[h.Symbol] = h.Quantity
	}
	for i := range report.Holdings {
		c := &report.Holdings[i]
		c.Actual = actual[c.Symbol]
		c.OK = c.Expected.Equal(c.Actual)
		delete(actual, c.Symbol)
	}
	// Stored holdings with no ledger history must be zero.
	for sym, qty := range actual {
		report.Holdings = append(report.Holdings, BalanceCheck{
			Symbol:   sym,
			Expected: decimal.Zero,
			Actual:   qty,
			OK:       qty.IsZero(),
		})
	}
	sort.Slice(report.Holdings, func(i, j int) bool { return report.Holdings[i].Symbol < report.Holdings[j].Symbol })

	report.OK = report.Wallet.OK && len(report.ChainBreaks) == 0
	for _, c := range report.Holdings {
		report.OK = report.OK && c.OK
	}

	if !report.OK {
		e.logger.Warn("reconciliation mismatch",
			zap.String("account_id", accountID),
			zap.Int("entries", report.Entries),
			zap.Int("chain_breaks", len(report.ChainBreaks)))
	}
	return report, nil
}

// replay folds entries into expected balances and checks that every entry's
// recorded resulting balances follow from its predecessors.
func replay(accountID string, entries []model.LedgerEntry) *ReconcileReport {
	sorted := make([]model.LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	report := &ReconcileReport{AccountID: accountID, Entries: len(sorted)}
	balance := decimal.Zero
	holdings := make(map[string]decimal.Decimal)
	var lastID int64

	for _, entry := range sorted {
		if entry.ID == lastID && lastID != 0 {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{EntryID: entry.ID, Reason: "duplicate id"})
		}
		lastID = entry.ID

		balance = balance.Add(entry.WalletDelta())
		if !entry.ResultingWalletBalance.Equal(balance) {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
				EntryID: entry.ID,
				Reason:  fmt.Sprintf("resulting wallet balance %s, replay gives %s", entry.ResultingWalletBalance, balance),
			})
			balance = entry.ResultingWalletBalance
		}
		if balance.IsNegative() {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{EntryID: entry.ID, Reason: "negative wallet balance"})
		}

		if !entry.Side.IsTrade() {
			continue
		}
		qty := holdings[entry.Symbol].Add(entry.HoldingDelta())
		if !entry.ResultingHoldingQuantity.Equal(qty) {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
				EntryID: entry.ID,
				Reason:  fmt.Sprintf("resulting %s holding %s, replay gives %s", entry.Symbol, entry.ResultingHoldingQuantity, qty),
			})
			qty = entry.ResultingHoldingQuantity
		}
		if qty.IsNegative() {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{EntryID: entry.ID, Reason: "negative " + entry.Symbol + " holding"})
		}
		holdings[entry.Symbol] = qty
	}

	report.Wallet = BalanceCheck{Expected: balance}
	for sym, qty := range holdings {
		report.Holdings = append(report.Holdings, BalanceCheck{Symbol: sym, Expected: qty})
	}
	return report
}
