package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/fintt/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence, and its
// locks only serialize callers inside one process).
type MemoryStore struct {
	mu       sync.RWMutex
	wallets  map[string]model.Wallet
	holdings map[holdingKey]model.Holding
	ledger   []model.LedgerEntry
	nextID   int64

	locksMu sync.Mutex
	locks   map[string]chan struct{} // per-account row lock, cap 1

	now func() time.Time
}

type holdingKey struct {
	accountID string
	symbol    string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]model.Wallet),
		holdings: make(map[holdingKey]model.Holding),
		locks:    make(map[string]chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) accountLock(accountID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[accountID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[accountID] = l
	}
	return l
}

// WithTransaction locks the account, runs fn against a private staging copy
// of the wallet and holding, and publishes the staged writes only if fn
// returns nil.
func (s *MemoryStore) WithTransaction(ctx context.Context, accountID, symbol string, fn TxFunc) error {
	lock := s.accountLock(accountID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "acquire account lock")
	}
	defer func() { <-lock }()

	s.mu.RLock()
	tx := &memTx{
		symbol:  symbol,
		wallet:  s.walletLocked(accountID),
		holding: s.holdingLocked(accountID, symbol),
	}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "commit")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if tx.walletDirty {
		tx.wallet.UpdatedAt = now
		s.wallets[accountID] = tx.wallet
	}
	if tx.holdingDirty {
		tx.holding.UpdatedAt = now
		s.holdings[holdingKey{accountID, symbol}] = tx.holding
	}
	for _, e := range tx.entries {
		s.nextID++
		e.ID = s.nextID
		s.ledger = append(s.ledger, *e)
	}
	return nil
}

func (s *MemoryStore) walletLocked(accountID string) model.Wallet {
	if w, ok := s.wallets[accountID]; ok {
		return w
	}
	return model.Wallet{AccountID: accountID, Balance: decimal.Zero}
}

func (s *MemoryStore) holdingLocked(accountID, symbol string) model.Holding {
	if h, ok := s.holdings[holdingKey{accountID, symbol}]; ok {
		return h
	}
	return model.Holding{AccountID: accountID, Symbol: symbol, Quantity: decimal.Zero}
}

func (s *MemoryStore) GetWallet(_ context.Context, accountID string) (model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.walletLocked(accountID), nil
}

func (s *MemoryStore) GetHolding(_ context.Context, accountID, symbol string) (model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdingLocked(accountID, symbol), nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, accountID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, h := range s.holdings {
		if k.accountID == accountID {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// memTx stages writes until the owning WithTransaction commits.
type memTx struct {
	symbol       string
	wallet       model.Wallet
	holding      model.Holding
	walletDirty  bool
	holdingDirty bool
	entries      []*model.LedgerEntry
}

func (t *memTx) Wallet(context.Context) (model.Wallet, error) {
	return t.wallet, nil
}

func (t *memTx) Holding(context.Context) (model.Holding, error) {
	if t.symbol == "" {
		return model.Holding{}, ErrNoHoldingScope
	}
	return t.holding, nil
}

func (t *memTx) SetWallet(_ context.Context, balance decimal.Decimal) error {
	if err := checkNonNegative(balance); err != nil {
		return err
	}
	t.wallet.Balance = balance
	t.walletDirty = true
	return nil
}

func (t *memTx) SetHolding(_ context.Context, quantity decimal.Decimal) error {
	if t.symbol == "" {
		return ErrNoHoldingScope
	}
	if err := checkNonNegative(quantity); err != nil {
		return err
	}
	t.holding.Quantity = quantity
	t.holdingDirty = true
	return nil
}

func (t *memTx) AppendLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	t.entries = append(t.entries, entry)
	return nil
}
