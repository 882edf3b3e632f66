// Package store defines the Ledger Store transactional contract for the
// settlement engine. Implementations include PostgreSQL (source of truth),
// SQLite (single-node deployments), Redis (read-through cache), and in-memory
// (for testing).
package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/fintt/settlement-engine/internal/model"
)

var (
	// ErrConflict is returned when the storage engine aborted a transaction
	// because of contention: serialization failure, deadlock, busy database
	// or a lost optimistic update. The whole transaction may be retried.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrUnavailable is returned when the storage engine cannot be reached.
	ErrUnavailable = errors.New("store: storage unavailable")

	// ErrNoHoldingScope is returned by Tx holding accessors when the
	// transaction was opened without a symbol.
	ErrNoHoldingScope = errors.New("store: transaction has no holding scope")

	// ErrNegativeValue is returned when a write would store a negative
	// balance or quantity.
	ErrNegativeValue = errors.New("store: negative balance or quantity")
)

// Tx is the view of a single account inside a transaction: its wallet row and,
// when the transaction was opened with a symbol, the one holding row for that
// symbol. Both rows are locked for the lifetime of the transaction, and reads
// always reflect the locked state plus this transaction's own writes.
type Tx interface {
	// Wallet returns the locked wallet. An account that was never funded has
	// a zero balance.
	Wallet(ctx context.Context) (model.Wallet, error)

	// Holding returns the locked holding for the transaction's symbol.
	Holding(ctx context.Context) (model.Holding, error)

	// SetWallet stages a new wallet balance.
	SetWallet(ctx context.Context, balance decimal.Decimal) error

	// SetHolding stages a new holding quantity.
	SetHolding(ctx context.Context, quantity decimal.Decimal) error

	// AppendLedgerEntry stages an insert-only ledger record. The entry's ID is
	// populated no later than commit.
	AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error
}

// TxFunc is the body of a transaction. Returning a non-nil error rolls back
// every staged write; the error is returned unchanged from WithTransaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the persistence interface. Wallet and Holding rows are written
// only through WithTransaction.
type Store interface {
	// WithTransaction runs fn with serializable-or-stronger isolation over the
	// wallet of accountID and the holding (accountID, symbol). Pass an empty
	// symbol for wallet-only transactions. Transactions for the same account
	// serialize. Transactions for different accounts never block each other,
	// except on stores that report IsSingleWriter, where every write
	// transaction holds one database-wide lock.
	WithTransaction(ctx context.Context, accountID, symbol string, fn TxFunc) error

	// GetWallet is a point read of the committed wallet.
	GetWallet(ctx context.Context, accountID string) (model.Wallet, error)

	// GetHolding is a point read of the committed holding.
	GetHolding(ctx context.Context, accountID, symbol string) (model.Holding, error)

	// ListHoldings returns every holding row of an account, ordered by symbol.
	ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error)

	// ListLedgerEntries returns an account's ledger in commit (ID) order.
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// Ping checks that the storage engine is reachable.
	Ping(ctx context.Context) error
}

// SingleWriter is implemented by stores whose write transactions serialize
// across all accounts behind a single database lock. Such a store keeps
// every per-account guarantee but not cross-account independence: a
// transaction on one account can wait on, or fail with ErrConflict
// because of, a transaction on another.
type SingleWriter interface {
	SingleWriter() bool
}

// Unwrapper is implemented by wrappers (caches) around a primary store.
type Unwrapper interface {
	Primary() Store
}

// Primary returns the innermost store beneath any wrappers.
func Primary(st Store) Store {
	for {
		u, ok := st.(Unwrapper)
		if !ok {
			return st
		}
		st = u.Primary()
	}
}

// IsSingleWriter reports whether write transactions on st serialize across
// accounts.
func IsSingleWriter(st Store) bool {
	sw, ok := Primary(st).(SingleWriter)
	return ok && sw.SingleWriter()
}

// IsRetryable reports whether err is a storage contention failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

func checkNonNegative(v decimal.Decimal) error {
	if v.IsNegative() {
		return errors.Wrapf(ErrNegativeValue, "value %s", v.String())
	}
	return nil
}
