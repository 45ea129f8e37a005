package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"tradeops/internal/domain"
)

// Compile-time interface check.
var _ OperationStore = (*ParquetStore)(nil)

// ParquetStore implements OperationStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// OperationRecord is the Parquet schema for operations history. Decimal
// amounts are stored as strings to keep them exact.
type OperationRecord struct {
	ID           string `parquet:"id"`
	Account      string `parquet:"account"`
	InstrumentID string `parquet:"instrument_id"`
	Type         string `parquet:"type"`
	State        string `parquet:"state"`
	Quantity     string `parquet:"quantity"`
	Price        string `parquet:"price"`
	Payment      string `parquet:"payment"`
	Currency     string `parquet:"currency"`
	Description  string `parquet:"description"`
	Timestamp    int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// ---------------------------------------------------------------------------
// OperationStore implementation
// ---------------------------------------------------------------------------

// WriteOperations writes operations to Parquet files organised by account
// and year, merging with what is already on disk:
//
//	<DataDir>/operations/<account>/<YYYY>.parquet
func (s *ParquetStore) WriteOperations(_ context.Context, account string, ops []domain.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	groups := make(map[int][]OperationRecord)
	for _, op := range ops {
		year := op.Date.UTC().Year()
		groups[year] = append(groups[year], toRecord(account, op))
	}

	for year, records := range groups {
		path := s.operationsPath(account, year)

		existing, err := readParquetFile[OperationRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading operations for %s/%d: %w", account, year, err)
		}
		merged := mergeOperationRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing operations for %s/%d: %w", account, year, err)
		}
	}
	return nil
}

// ReadOperations reads operations for the account within [start, end],
// ordered by time.
func (s *ParquetStore) ReadOperations(_ context.Context, account string, start, end time.Time) ([]domain.Operation, error) {
	var ops []domain.Operation
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[OperationRecord](s.operationsPath(account, year))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading operations for %s/%d: %w", account, year, err)
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			op, err := fromRecord(r)
			if err != nil {
				return nil, fmt.Errorf("decoding operation %s: %w", r.ID, err)
			}
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// operationsPath returns the Parquet file for an account and year.
func (s *ParquetStore) operationsPath(account string, year int) string {
	return filepath.Join(s.DataDir, "operations", account, fmt.Sprintf("%d.parquet", year))
}

func toRecord(account string, op domain.Operation) OperationRecord {
	if op.Account != "" {
		account = op.Account
	}
	return OperationRecord{
		ID:           op.ID,
		Account:      account,
		InstrumentID: op.InstrumentID,
		Type:         string(op.Type),
		State:        string(op.State),
		Quantity:     op.Quantity.String(),
		Price:        op.Price.String(),
		Payment:      op.Payment.String(),
		Currency:     op.Currency,
		Description:  op.Description,
		Timestamp:    op.Date.UnixMilli(),
	}
}

func fromRecord(r OperationRecord) (domain.Operation, error) {
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return domain.Operation{}, err
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return domain.Operation{}, err
	}
	payment, err := decimal.NewFromString(r.Payment)
	if err != nil {
		return domain.Operation{}, err
	}
	return domain.Operation{
		ID:           r.ID,
		Account:      r.Account,
		InstrumentID: r.InstrumentID,
		Type:         domain.OperationType(r.Type),
		State:        domain.OperationState(r.State),
		Quantity:     qty,
		Price:        price,
		Payment:      payment,
		Currency:     r.Currency,
		Description:  r.Description,
		Date:         time.UnixMilli(r.Timestamp).UTC(),
	}, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOperationRecords deduplicates records by ID, preferring incoming
// records over existing ones. Results are sorted by timestamp, then ID.
func mergeOperationRecords(existing, incoming []OperationRecord) []OperationRecord {
	seen := make(map[string]OperationRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]OperationRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
