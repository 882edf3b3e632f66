package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fintt/settlement-engine/internal/model"
)

// Compile-time interface checks.
var _ Store = (*SQLiteStore)(nil)
var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	account_id TEXT PRIMARY KEY,
	balance    TEXT NOT NULL DEFAULT '0' CHECK (CAST(balance AS REAL) >= 0),
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS holdings (
	account_id TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	quantity   TEXT NOT NULL DEFAULT '0' CHECK (CAST(quantity AS REAL) >= 0),
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id                 TEXT NOT NULL,
	symbol                     TEXT NOT NULL DEFAULT '',
	side                       TEXT NOT NULL,
	quantity                   TEXT NOT NULL,
	unit_price                 TEXT NOT NULL,
	total                      TEXT NOT NULL,
	timestamp                  INTEGER NOT NULL,
	resulting_wallet_balance   TEXT NOT NULL,
	resulting_holding_quantity TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_entries_account_id_idx ON ledger_entries (account_id, id);

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
`

// SQLiteStore implements Store on an embedded SQLite database. Every
// transaction is opened with BEGIN IMMEDIATE, which takes the database write
// lock up front: writers from any process sharing the file serialize, and a
// writer that cannot get the lock within busy_timeout fails with ErrConflict.
//
// The lock covers the whole database, not one account, so SQLiteStore is a
// SingleWriter: settlements on different accounts queue behind each other
// and, past busy_timeout, surface as conflicts. It is meant for single-node
// deployments with modest write rates; use PostgresStore when accounts must
// settle independently.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// SQLiteDSN builds a modernc.org/sqlite DSN for path with immediate
// transactions, WAL journaling and a busy timeout.
func SQLiteDSN(path string, busyTimeout time.Duration) string {
	return "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(" + strconv.FormatInt(busyTimeout.Milliseconds(), 10) + ")" +
		"&_pragma=foreign_keys(1)"
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path, 5*time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	s := NewSQLiteStore(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an already opened database handle.
func NewSQLiteStore(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: db, logger: logger}
}

// SingleWriter reports true: BEGIN IMMEDIATE locks the whole database.
func (s *SQLiteStore) SingleWriter() bool { return true }

// Migrate creates the ledger tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return classifySQLiteError(errors.Wrap(err, "migrate"))
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithTransaction(ctx context.Context, accountID, symbol string, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(errors.Wrap(err, "begin"))
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.String("account_id", accountID), zap.Error(rbErr))
			}
		}
	}()

	stx := &sqliteTx{tx: tx, accountID: accountID, symbol: symbol}
	if err := stx.load(ctx); err != nil {
		return err
	}

	if err := fn(ctx, stx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifySQLiteError(errors.Wrap(err, "commit"))
	}
	committed = true
	return nil
}

func (s *SQLiteStore) GetWallet(ctx context.Context, accountID string) (model.Wallet, error) {
	w, err := readWallet(ctx, s.db, accountID)
	return w, classifySQLiteError(err)
}

func (s *SQLiteStore) GetHolding(ctx context.Context, accountID, symbol string) (model.Holding, error) {
	h, err := readHolding(ctx, s.db, accountID, symbol)
	return h, classifySQLiteError(err)
}

func (s *SQLiteStore) ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, quantity, updated_at FROM holdings WHERE account_id = ? ORDER BY symbol`, accountID)
	if err != nil {
		return nil, classifySQLiteError(errors.Wrap(err, "list holdings"))
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h := model.Holding{AccountID: accountID}
		var qty string
		var updated int64
		if err := rows.Scan(&h.Symbol, &qty, &updated); err != nil {
			return nil, errors.Wrap(err, "scan holding")
		}
		if h.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, errors.Wrap(err, "parse quantity")
		}
		h.UpdatedAt = fromUnixMicro(updated)
		holdings = append(holdings, h)
	}
	return holdings, classifySQLiteError(rows.Err())
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, symbol, side, quantity, unit_price, total, timestamp,
		        resulting_wallet_balance, resulting_holding_quantity
		 FROM ledger_entries WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, classifySQLiteError(errors.Wrap(err, "list ledger entries"))
	}
	defer rows.Close()

	entries, err := scanLedgerEntries(&unixTimeRows{rows: rows})
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	return entries, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return classifySQLiteError(s.db.PingContext(ctx))
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readWallet(ctx context.Context, q queryer, accountID string) (model.Wallet, error) {
	w := model.Wallet{AccountID: accountID, Balance: decimal.Zero}
	var balance string
	var updated int64
	err := q.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM wallets WHERE account_id = ?`, accountID).
		Scan(&balance, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return model.Wallet{}, errors.Wrapf(err, "get wallet %s", accountID)
	}
	w.UpdatedAt = fromUnixMicro(updated)
	w.Balance, err = decimal.NewFromString(balance)
	return w, errors.Wrap(err, "parse balance")
}

func readHolding(ctx context.Context, q queryer, accountID, symbol string) (model.Holding, error) {
	h := model.Holding{AccountID: accountID, Symbol: symbol, Quantity: decimal.Zero}
	var qty string
	var updated int64
	err := q.QueryRowContext(ctx,
		`SELECT quantity, updated_at FROM holdings WHERE account_id = ? AND symbol = ?`, accountID, symbol).
		Scan(&qty, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return model.Holding{}, errors.Wrapf(err, "get holding %s/%s", accountID, symbol)
	}
	h.UpdatedAt = fromUnixMicro(updated)
	h.Quantity, err = decimal.NewFromString(qty)
	return h, errors.Wrap(err, "parse quantity")
}

// sqliteTx reads the account rows once, after BEGIN IMMEDIATE has already
// granted the write lock, so the values cannot change underneath it.
type sqliteTx struct {
	tx        *sql.Tx
	accountID string
	symbol    string
	wallet    model.Wallet
	holding   model.Holding
}

func (t *sqliteTx) load(ctx context.Context) error {
	var err error
	if t.wallet, err = readWallet(ctx, t.tx, t.accountID); err != nil {
		return classifySQLiteError(err)
	}
	if t.symbol == "" {
		return nil
	}
	if t.holding, err = readHolding(ctx, t.tx, t.accountID, t.symbol); err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

func (t *sqliteTx) Wallet(context.Context) (model.Wallet, error) {
	return t.wallet, nil
}

func (t *sqliteTx) Holding(context.Context) (model.Holding, error) {
	if t.symbol == "" {
		return model.Holding{}, ErrNoHoldingScope
	}
	return t.holding, nil
}

func (t *sqliteTx) SetWallet(ctx context.Context, balance decimal.Decimal) error {
	if err := checkNonNegative(balance); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (account_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		t.accountID, balance.String(), now.UnixMicro()); err != nil {
		return classifySQLiteError(errors.Wrap(err, "upsert wallet"))
	}
	t.wallet.Balance = balance
	t.wallet.UpdatedAt = now
	return nil
}

func (t *sqliteTx) SetHolding(ctx context.Context, quantity decimal.Decimal) error {
	if t.symbol == "" {
		return ErrNoHoldingScope
	}
	if err := checkNonNegative(quantity); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO holdings (account_id, symbol, quantity, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, symbol) DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at`,
		t.accountID, t.symbol, quantity.String(), now.UnixMicro()); err != nil {
		return classifySQLiteError(errors.Wrap(err, "upsert holding"))
	}
	t.holding.Quantity = quantity
	t.holding.UpdatedAt = now
	return nil
}

func (t *sqliteTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (account_id, symbol, side, quantity, unit_price, total, timestamp,
		                             resulting_wallet_balance, resulting_holding_quantity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AccountID, e.Symbol, string(e.Side),
		e.Quantity.String(), e.UnitPrice.String(), e.Total.String(), e.Timestamp.UnixMicro(),
		e.ResultingWalletBalance.String(), e.ResultingHoldingQuantity.String())
	if err != nil {
		return classifySQLiteError(errors.Wrap(err, "insert ledger entry"))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "ledger entry id")
	}
	e.ID = id
	return nil
}

// unixTimeRows adapts *sql.Rows so scanLedgerEntries can read the integer
// timestamp column into a time.Time destination.
type unixTimeRows struct {
	rows *sql.Rows
}

func (r *unixTimeRows) Next() bool { return r.rows.Next() }
func (r *unixTimeRows) Err() error { return r.rows.Err() }

func (r *unixTimeRows) Scan(dest ...any) error {
	var ts int64
	var target *time.Time
	for i, d := range dest {
		if t, ok := d.(*time.Time); ok {
			target = t
			dest[i] = &ts
		}
	}
	if err := r.rows.Scan(dest...); err != nil {
		return err
	}
	if target != nil {
		*target = fromUnixMicro(ts)
	}
	return nil
}

func fromUnixMicro(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

// classifySQLiteError maps SQLITE_BUSY / SQLITE_LOCKED onto ErrConflict and
// constraint failures onto ErrNegativeValue. nil stays nil.
func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return errors.Wrapf(ErrConflict, "%v", err)
		case sqlite3.SQLITE_CONSTRAINT:
			return errors.Wrapf(ErrNegativeValue, "%v", err)
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return errors.Wrapf(ErrUnavailable, "%v", err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errors.Wrapf(ErrUnavailable, "%v", err)
	}
	return err
}
