// Package store is the durable SQLite data-access layer: the middle tier
// of the cache hierarchy, between the KV cache and the upstream adapters
// (spec.md §4.2/§4.5), backed by modernc.org/sqlite (the teacher's own
// driver — see geth-17-indexer's CREATE TABLE IF NOT EXISTS/db.Exec
// pattern, generalized here into a typed DAL across four data tables plus
// the gap_job queue table instead of one).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
	"github.com/metodievmartin/evm-txindex/internal/domain"
)

// Store wraps a *sql.DB pool against a single sqlite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// the embedded schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.New(apperr.KindStorageError, "store.Open", err)
	}
	// modernc.org/sqlite serializes writes at the driver level; a single
	// connection avoids SQLITE_BUSY under the worker pool's concurrent
	// writers (geth-17-indexer runs single-threaded and never hits this).
	db.SetMaxOpenConns(1)

	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, apperr.New(apperr.KindStorageError, "store.Open", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// InsertTransactionsAndCoverage atomically persists a batch of
// transactions plus the coverage row describing the range they came from.
// ON CONFLICT DO NOTHING makes re-delivery of the same (address, hash)
// pair a no-op, and the coverage row upserts on (address, from_block,
// to_block) so re-running the same job updates created_at instead of
// appending a duplicate row — the write-idempotency spec.md §4.6 and §7
// (scenario S5) require for an at-least-once job queue.
func (s *Store) InsertTransactionsAndCoverage(ctx context.Context, addr string, txs []domain.Transaction, cov domain.BlockRange, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.New(apperr.KindStorageError, "store.InsertTransactionsAndCoverage", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO "transaction"
			(hash, address, block_number, from_address, to_address, value, gas_price,
			 gas_used, gas, function_name, receipt_status, contract_address, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address, hash) DO NOTHING`)
	if err != nil {
		return apperr.New(apperr.KindStorageError, "store.InsertTransactionsAndCoverage", err)
	}
	defer stmt.Close()

	for _, t := range txs {
		if _, err := stmt.ExecContext(ctx,
			t.Hash, addr, t.BlockNumber, t.From, t.To, t.Value, t.GasPrice,
			t.GasUsed, t.Gas, t.FunctionName, t.ReceiptStatus, t.ContractAddress, t.Timestamp.Unix(),
		); err != nil {
			return apperr.New(apperr.KindStorageError, "store.InsertTransactionsAndCoverage", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO coverage (address, from_block, to_block, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (address, from_block, to_block) DO UPDATE SET created_at = excluded.created_at`,
		addr, cov.FromBlock, cov.ToBlock, now.Unix(),
	); err != nil {
		return apperr.New(apperr.KindStorageError, "store.InsertTransactionsAndCoverage", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.New(apperr.KindStorageError, "store.InsertTransactionsAndCoverage", err)
	}
	return nil
}

// CoverageFor returns all coverage rows recorded for addr.
func (s *Store) CoverageFor(ctx context.Context, addr string) ([]domain.BlockRange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_block, to_block FROM coverage WHERE address = ?`, addr)
	if err != nil {
		return nil, apperr.New(apperr.KindStorageError, "store.CoverageFor", err)
	}
	defer rows.Close()

	var out []domain.BlockRange
	for rows.Next() {
		var r domain.BlockRange
		if err := rows.Scan(&r.FromBlock, &r.ToBlock); err != nil {
			return nil, apperr.New(apperr.KindStorageError, "store.CoverageFor", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTransactions serves the durable-store-tier read in spec.md §4.5
// step 5: address + block range, ordered and paginated.
func (s *Store) ListTransactions(ctx context.Context, q domain.TxQuery, effFrom, effTo uint64) ([]domain.Transaction, error) {
	orderSQL := "ASC"
	if q.Order == domain.OrderDesc {
		orderSQL = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT hash, address, block_number, from_address, to_address, value, gas_price,
		       gas_used, gas, function_name, receipt_status, contract_address, ts
		FROM "transaction"
		WHERE address = ? AND block_number BETWEEN ? AND ?
		ORDER BY block_number %s
		LIMIT ? OFFSET ?`, orderSQL)

	offset := (q.Page - 1) * q.Limit
	rows, err := s.db.QueryContext(ctx, query, q.Address.String(), effFrom, effTo, q.Limit, offset)
	if err != nil {
		return nil, apperr.New(apperr.KindStorageError, "store.ListTransactions", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var tsUnix int64
		if err := rows.Scan(&t.Hash, &t.Address, &t.BlockNumber, &t.From, &t.To, &t.Value, &t.GasPrice,
			&t.GasUsed, &t.Gas, &t.FunctionName, &t.ReceiptStatus, &t.ContractAddress, &tsUnix); err != nil {
			return nil, apperr.New(apperr.KindStorageError, "store.ListTransactions", err)
		}
		t.Timestamp = time.Unix(tsUnix, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTransactions implements get_stored_count's COUNT(*) (spec.md
// §4.5).
func (s *Store) CountTransactions(ctx context.Context, addr string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "transaction" WHERE address = ?`, addr).Scan(&count)
	if err != nil {
		return 0, apperr.New(apperr.KindStorageError, "store.CountTransactions", err)
	}
	return count, nil
}

// UpsertAddressInfo stores (or replaces) the classification for addr.
func (s *Store) UpsertAddressInfo(ctx context.Context, info domain.AddressInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO address_info (address, is_contract, creation_block, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			is_contract = excluded.is_contract,
			creation_block = excluded.creation_block,
			updated_at = excluded.updated_at`,
		info.Address, info.IsContract, info.CreationBlock, info.UpdatedAt.Unix())
	if err != nil {
		return apperr.New(apperr.KindStorageError, "store.UpsertAddressInfo", err)
	}
	return nil
}

// AddressInfoFor returns the stored classification for addr, or
// apperr.KindNotFound if none exists yet.
func (s *Store) AddressInfoFor(ctx context.Context, addr string) (domain.AddressInfo, error) {
	var info domain.AddressInfo
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT address, is_contract, creation_block, updated_at FROM address_info WHERE address = ?`, addr,
	).Scan(&info.Address, &info.IsContract, &info.CreationBlock, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.AddressInfo{}, apperr.New(apperr.KindNotFound, "store.AddressInfoFor", err)
	}
	if err != nil {
		return domain.AddressInfo{}, apperr.New(apperr.KindStorageError, "store.AddressInfoFor", err)
	}
	info.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return info, nil
}

// UpsertBalance stores the latest known balance snapshot for addr.
func (s *Store) UpsertBalance(ctx context.Context, bal domain.Balance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance (address, balance, block_number, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			balance = excluded.balance,
			block_number = excluded.block_number,
			updated_at = excluded.updated_at`,
		bal.Address, bal.Balance, bal.BlockNumber, bal.UpdatedAt.Unix())
	if err != nil {
		return apperr.New(apperr.KindStorageError, "store.UpsertBalance", err)
	}
	return nil
}

// BalanceFor returns the last durable balance snapshot for addr, used as
// the get_balance fallback when upstream refresh fails (spec.md §4.5).
func (s *Store) BalanceFor(ctx context.Context, addr string) (domain.Balance, error) {
	var bal domain.Balance
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT address, balance, block_number, updated_at FROM balance WHERE address = ?`, addr,
	).Scan(&bal.Address, &bal.Balance, &bal.BlockNumber, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.Balance{}, apperr.New(apperr.KindNotFound, "store.BalanceFor", err)
	}
	if err != nil {
		return domain.Balance{}, apperr.New(apperr.KindStorageError, "store.BalanceFor", err)
	}
	bal.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return bal, nil
}
