package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
	"github.com/metodievmartin/evm-txindex/internal/domain"
	"github.com/metodievmartin/evm-txindex/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	// MaxOpenConns(1) keeps a single connection alive for the store's
	// lifetime, so a plain in-memory DSN (no shared cache) is safe and
	// keeps each test's database private.
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const testAddr = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
const otherAddr = "0x0000000000000000000000000000000000000001"

func sampleTx(hash string, block uint64) domain.Transaction {
	return domain.Transaction{
		Hash:          hash,
		Address:       testAddr,
		BlockNumber:   block,
		Value:         "1000",
		GasPrice:      "1",
		ReceiptStatus: "1",
		Timestamp:     time.Unix(1700000000, 0).UTC(),
	}
}

func TestStore_InsertAndListTransactions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	txs := []domain.Transaction{sampleTx("0x1", 10), sampleTx("0x2", 20), sampleTx("0x3", 30)}
	require.NoError(t, s.InsertTransactionsAndCoverage(ctx, testAddr, txs, domain.BlockRange{FromBlock: 0, ToBlock: 100}, time.Now()))

	addr, err := domain.ParseAddress(testAddr)
	require.NoError(t, err)
	other, err := domain.ParseAddress(otherAddr)
	require.NoError(t, err)

	// a different address must see none of these rows
	none, err := s.ListTransactions(ctx, domain.TxQuery{Address: other, Page: 1, Limit: 50, Order: domain.OrderAsc}, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err := s.ListTransactions(ctx, domain.TxQuery{Address: addr, Page: 1, Limit: 2, Order: domain.OrderAsc}, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(10), got[0].BlockNumber)
	assert.Equal(t, uint64(20), got[1].BlockNumber)

	desc, err := s.ListTransactions(ctx, domain.TxQuery{Address: addr, Page: 1, Limit: 50, Order: domain.OrderDesc}, 0, 100)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, uint64(30), desc[0].BlockNumber)
}

func TestStore_InsertIdempotentOnConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx := sampleTx("0xdup", 5)
	require.NoError(t, s.InsertTransactionsAndCoverage(ctx, testAddr, []domain.Transaction{tx}, domain.BlockRange{FromBlock: 0, ToBlock: 10}, time.Now()))
	require.NoError(t, s.InsertTransactionsAndCoverage(ctx, testAddr, []domain.Transaction{tx}, domain.BlockRange{FromBlock: 0, ToBlock: 10}, time.Now()))

	count, err := s.CountTransactions(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	ranges, err := s.CoverageFor(ctx, testAddr)
	require.NoError(t, err)
	require.Len(t, ranges, 1, "re-running the same job must upsert, not duplicate, the coverage row")
	assert.Equal(t, uint64(0), ranges[0].FromBlock)
	assert.Equal(t, uint64(10), ranges[0].ToBlock)
}

func TestStore_CoverageFor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTransactionsAndCoverage(ctx, testAddr, nil, domain.BlockRange{FromBlock: 0, ToBlock: 10}, time.Now()))
	require.NoError(t, s.InsertTransactionsAndCoverage(ctx, testAddr, nil, domain.BlockRange{FromBlock: 20, ToBlock: 30}, time.Now()))

	ranges, err := s.CoverageFor(ctx, testAddr)
	require.NoError(t, err)
	assert.Len(t, ranges, 2)
}

func TestStore_AddressInfoUpsertAndNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddressInfoFor(ctx, "0xunknown")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	creationBlock := uint64(42)
	info := domain.AddressInfo{Address: "0xc", IsContract: true, CreationBlock: &creationBlock, UpdatedAt: time.Now()}
	require.NoError(t, s.UpsertAddressInfo(ctx, info))

	got, err := s.AddressInfoFor(ctx, "0xc")
	require.NoError(t, err)
	assert.True(t, got.IsContract)
	require.NotNil(t, got.CreationBlock)
	assert.Equal(t, uint64(42), *got.CreationBlock)
}

func TestStore_BalanceUpsertAndFetch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.BalanceFor(ctx, "0xnobal")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	bal := domain.Balance{Address: "0xb", Balance: "123", BlockNumber: 5, UpdatedAt: time.Now()}
	require.NoError(t, s.UpsertBalance(ctx, bal))
	require.NoError(t, s.UpsertBalance(ctx, domain.Balance{Address: "0xb", Balance: "456", BlockNumber: 6, UpdatedAt: time.Now()}))

	got, err := s.BalanceFor(ctx, "0xb")
	require.NoError(t, err)
	assert.Equal(t, "456", got.Balance)
	assert.Equal(t, uint64(6), got.BlockNumber)
}
