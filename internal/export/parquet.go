// Package export writes ledger entries to Parquet files for audit archival.
package export

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/fintt/settlement-engine/internal/model"
)

// LedgerRecord is the Parquet schema for a ledger entry. Decimals are stored
// as strings so no precision is lost in the archive.
type LedgerRecord struct {
	ID                       int64  `parquet:"id"`
	AccountID                string `parquet:"account_id,dict"`
	Symbol                   string `parquet:"symbol,dict"`
	Side                     string `parquet:"side,dict"`
	Quantity                 string `parquet:"quantity"`
	UnitPrice                string `parquet:"unit_price"`
	Total                    string `parquet:"total"`
	Timestamp                int64  `parquet:"timestamp,timestamp(microsecond)"` // Unix µs
	ResultingWalletBalance   string `parquet:"resulting_wallet_balance"`
	ResultingHoldingQuantity string `parquet:"resulting_holding_quantity"`
}

func toRecord(e model.LedgerEntry) LedgerRecord {
	return LedgerRecord{
		ID:                       e.ID,
		AccountID:                e.AccountID,
		Symbol:                   e.Symbol,
		Side:                     string(e.Side),
		Quantity:                 e.Quantity.String(),
		UnitPrice:                e.UnitPrice.String(),
		Total:                    e.Total.String(),
		Timestamp:                e.Timestamp.UnixMicro(),
		ResultingWalletBalance:   e.ResultingWalletBalance.String(),
		ResultingHoldingQuantity: e.ResultingHoldingQuantity.String(),
	}
}

// Entry converts a record back into a ledger entry.
func (r LedgerRecord) Entry() (model.LedgerEntry, error) {
	e := model.LedgerEntry{
		ID:        r.ID,
		AccountID: r.AccountID,
		Symbol:    r.Symbol,
		Side:      model.Side(r.Side),
	}
	fields := []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"quantity", r.Quantity, &e.Quantity},
		{"unit_price", r.UnitPrice, &e.UnitPrice},
		{"total", r.Total, &e.Total},
		{"resulting_wallet_balance", r.ResultingWalletBalance, &e.ResultingWalletBalance},
		{"resulting_holding_quantity", r.ResultingHoldingQuantity, &e.ResultingHoldingQuantity},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return model.LedgerEntry{}, errors.Wrapf(err, "entry %d %s", r.ID, f.name)
		}
		*f.dst = d
	}
	e.Timestamp = time.UnixMicro(r.Timestamp).UTC()
	return e, nil
}

// WriteLedger writes entries to w in ledger ID order.
func WriteLedger(w io.Writer, entries []model.LedgerEntry) (int, error) {
	rows := make([]LedgerRecord, len(entries))
	for i, e := range entries {
		rows[i] = toRecord(e)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	pw := parquet.NewGenericWriter[LedgerRecord](w)
	n, err := pw.Write(rows)
	if err != nil {
		return n, errors.Wrap(err, "write ledger rows")
	}
	if err := pw.Close(); err != nil {
		return n, errors.Wrap(err, "close parquet writer")
	}
	return n, nil
}

// WriteFile writes entries to a Parquet file at path, creating parent
// directories as needed. The file is written to a temporary name and renamed
// into place so readers never see a partial archive.
func WriteFile(path string, entries []model.LedgerEntry) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, errors.Wrap(err, "create export dir")
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Wrap(err, "create export file")
	}

	n, err := WriteLedger(f, entries)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "rename export file")
	}
	return n, nil
}

// ReadFile reads an archive written by WriteFile.
func ReadFile(path string) ([]model.LedgerEntry, error) {
	rows, err := parquet.ReadFile[LedgerRecord](path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	entries := make([]model.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.Entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
