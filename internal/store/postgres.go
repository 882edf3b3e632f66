package store

import (
	"context"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/model"
)

// postgresSchema is applied by Migrate. Ledger rows are protected against
// UPDATE and DELETE by a trigger.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	account_id TEXT PRIMARY KEY,
	balance    NUMERIC(38,18) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS holdings (
	account_id TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	quantity   NUMERIC(38,18) NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	account_id                 TEXT NOT NULL,
	symbol                     TEXT NOT NULL DEFAULT '',
	side                       TEXT NOT NULL CHECK (side IN ('buy', 'sell', 'deposit', 'withdrawal')),
	quantity                   NUMERIC(38,18) NOT NULL,
	unit_price                 NUMERIC(38,18) NOT NULL,
	total                      NUMERIC(38,18) NOT NULL,
	timestamp                  TIMESTAMPTZ NOT NULL,
	resulting_wallet_balance   NUMERIC(38,18) NOT NULL,
	resulting_holding_quantity NUMERIC(38,18) NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_entries_account_id_idx ON ledger_entries (account_id, id);

CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger_entries is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_entries_append_only ON ledger_entries;
CREATE TRIGGER ledger_entries_append_only
	BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only();
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// every settlement runs at SERIALIZABLE isolation with the touched wallet and
// holding rows locked FOR UPDATE, so correctness holds across any number of
// service instances.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return classifyPgError(errors.Wrap(err, "migrate"))
	}
	return nil
}

func (s *PostgresStore) WithTransaction(ctx context.Context, accountID, symbol string, fn TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classifyPgError(errors.Wrap(err, "begin"))
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback failed", zap.String("account_id", accountID), zap.Error(rbErr))
			}
		}
	}()

	ptx := &pgTx{tx: tx, accountID: accountID, symbol: symbol}
	if err := ptx.lock(ctx); err != nil {
		return err
	}

	if err := fn(ctx, ptx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(errors.Wrap(err, "commit"))
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, accountID string) (model.Wallet, error) {
	w := model.Wallet{AccountID: accountID, Balance: decimal.Zero}
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, updated_at FROM wallets WHERE account_id = $1`, accountID).
		Scan(&balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return model.Wallet{}, classifyPgError(errors.Wrapf(err, "get wallet %s", accountID))
	}

	w.Balance, err = decimal.NewFromString(balance)
	return w, errors.Wrap(err, "parse balance")
}

func (s *PostgresStore) GetHolding(ctx context.Context, accountID, symbol string) (model.Holding, error) {
	h := model.Holding{AccountID: accountID, Symbol: symbol, Quantity: decimal.Zero}
	var qty string

	err := s.pool.QueryRow(ctx,
		`SELECT quantity::TEXT, updated_at FROM holdings WHERE account_id = $1 AND symbol = $2`,
		accountID, symbol).
		Scan(&qty, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return model.Holding{}, classifyPgError(errors.Wrapf(err, "get holding %s/%s", accountID, symbol))
	}

	h.Quantity, err = decimal.NewFromString(qty)
	return h, errors.Wrap(err, "parse quantity")
}

func (s *PostgresStore) ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, quantity::TEXT, updated_at
		 FROM holdings WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, classifyPgError(errors.Wrap(err, "list holdings"))
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h := model.Holding{AccountID: accountID}
		var qty string
		if err := rows.Scan(&h.Symbol, &qty, &h.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan holding")
		}
		if h.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, errors.Wrap(err, "parse quantity")
		}
		holdings = append(holdings, h)
	}
	return holdings, classifyPgError(rows.Err())
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, side,
		        quantity::TEXT, unit_price::TEXT, total::TEXT, timestamp,
		        resulting_wallet_balance::TEXT, resulting_holding_quantity::TEXT
		 FROM ledger_entries WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, classifyPgError(errors.Wrap(err, "list ledger entries"))
	}
	defer rows.Close()

	entries, err := scanLedgerEntries(rows)
	if err != nil {
		return nil, classifyPgError(err)
	}
	return entries, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classifyPgError(s.pool.Ping(ctx))
}

// pgTx holds the rows locked by lock and the values read under that lock.
type pgTx struct {
	tx        pgx.Tx
	accountID string
	symbol    string
	wallet    model.Wallet
	holding   model.Holding
}

// lock creates missing rows and takes row locks in a fixed order (wallet,
// then holding) so concurrent settlements on one account cannot deadlock.
func (t *pgTx) lock(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`,
		t.accountID); err != nil {
		return classifyPgError(errors.Wrap(err, "ensure wallet"))
	}

	var balance string
	t.wallet.AccountID = t.accountID
	if err := t.tx.QueryRow(ctx,
		`SELECT balance::TEXT, updated_at FROM wallets WHERE account_id = $1 FOR UPDATE`,
		t.accountID).Scan(&balance, &t.wallet.UpdatedAt); err != nil {
		return classifyPgError(errors.Wrap(err, "lock wallet"))
	}
	var err error
	if t.wallet.Balance, err = decimal.NewFromString(balance); err != nil {
		return errors.Wrap(err, "parse balance")
	}

	if t.symbol == "" {
		return nil
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (account_id, symbol) VALUES ($1, $2) ON CONFLICT (account_id, symbol) DO NOTHING`,
		t.accountID, t.symbol); err != nil {
		return classifyPgError(errors.Wrap(err, "ensure holding"))
	}

	var qty string
	t.holding.AccountID = t.accountID
	t.holding.Symbol = t.symbol
	if err := t.tx.QueryRow(ctx,
		`SELECT quantity::TEXT, updated_at FROM holdings WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		t.accountID, t.symbol).Scan(&qty, &t.holding.UpdatedAt); err != nil {
		return classifyPgError(errors.Wrap(err, "lock holding"))
	}
	if t.holding.Quantity, err = decimal.NewFromString(qty); err != nil {
		return errors.Wrap(err, "parse quantity")
	}
	return nil
}

func (t *pgTx) Wallet(context.Context) (model.Wallet, error) {
	return t.wallet, nil
}

func (t *pgTx) Holding(context.Context) (model.Holding, error) {
	if t.symbol == "" {
		return model.Holding{}, ErrNoHoldingScope
	}
	return t.holding, nil
}

func (t *pgTx) SetWallet(ctx context.Context, balance decimal.Decimal) error {
	if err := checkNonNegative(balance); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC, updated_at = $3 WHERE account_id = $1`,
		t.accountID, balance.String(), now); err != nil {
		return classifyPgError(errors.Wrap(err, "update wallet"))
	}
	t.wallet.Balance = balance
	t.wallet.UpdatedAt = now
	return nil
}

func (t *pgTx) SetHolding(ctx context.Context, quantity decimal.Decimal) error {
	if t.symbol == "" {
		return ErrNoHoldingScope
	}
	if err := checkNonNegative(quantity); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx,
		`UPDATE holdings SET quantity = $3::NUMERIC, updated_at = $4 WHERE account_id = $1 AND symbol = $2`,
		t.accountID, t.symbol, quantity.String(), now); err != nil {
		return classifyPgError(errors.Wrap(err, "update holding"))
	}
	t.holding.Quantity = quantity
	t.holding.UpdatedAt = now
	return nil
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (account_id, symbol, side, quantity, unit_price, total, timestamp,
		                             resulting_wallet_balance, resulting_holding_quantity)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC)
		 RETURNING id`,
		e.AccountID, e.Symbol, string(e.Side),
		e.Quantity.String(), e.UnitPrice.String(), e.Total.String(), e.Timestamp,
		e.ResultingWalletBalance.String(), e.ResultingHoldingQuantity.String(),
	).Scan(&e.ID)
	return classifyPgError(errors.Wrap(err, "insert ledger entry"))
}

// rowScanner is the subset of pgx.Rows and *sql.Rows used by scanLedgerEntries.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanLedgerEntries(rows rowScanner) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var side, qty, price, total, balance, holding string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Symbol, &side,
			&qty, &price, &total, &e.Timestamp, &balance, &holding); err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		e.Side = model.Side(side)

		var err error
		if e.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, errors.Wrap(err, "parse quantity")
		}
		if e.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, errors.Wrap(err, "parse unit_price")
		}
		if e.Total, err = decimal.NewFromString(total); err != nil {
			return nil, errors.Wrap(err, "parse total")
		}
		if e.ResultingWalletBalance, err = decimal.NewFromString(balance); err != nil {
			return nil, errors.Wrap(err, "parse resulting_wallet_balance")
		}
		if e.ResultingHoldingQuantity, err = decimal.NewFromString(holding); err != nil {
			return nil, errors.Wrap(err, "parse resulting_holding_quantity")
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "iterate ledger entries")
}

// PostgreSQL SQLSTATE codes that mean "retry the whole transaction".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgCheckViolation       = "23514"
)

// classifyPgError maps driver errors onto the store sentinels. nil stays nil.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return errors.Wrapf(ErrConflict, "%v", err)
		case pgCheckViolation:
			return errors.Wrapf(ErrNegativeValue, "%v", err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return errors.Wrapf(ErrUnavailable, "%v", err)
	}
	return err
}
