package txservice_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
	"github.com/metodievmartin/evm-txindex/internal/domain"
	"github.com/metodievmartin/evm-txindex/internal/txservice"
)

// --- fakes ---------------------------------------------------------------

type fakeKV struct {
	paginated map[string]domain.TxResponse
	balances  map[string]domain.Balance
	counts    map[string]int64
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		paginated: map[string]domain.TxResponse{},
		balances:  map[string]domain.Balance{},
		counts:    map[string]int64{},
	}
}

func (f *fakeKV) GetPaginatedTx(_ context.Context, addr string, from, to uint64, page, limit int, order domain.Order) (domain.TxResponse, bool) {
	r, ok := f.paginated[paginatedKey(addr, from, to, page, limit, order)]
	return r, ok
}
func (f *fakeKV) SetPaginatedTx(_ context.Context, addr string, from, to uint64, page, limit int, order domain.Order, resp domain.TxResponse, _ time.Duration) {
	f.paginated[paginatedKey(addr, from, to, page, limit, order)] = resp
}
func (f *fakeKV) GetBalance(_ context.Context, addr string) (domain.Balance, time.Time, bool) {
	b, ok := f.balances[addr]
	return b, b.UpdatedAt, ok
}
func (f *fakeKV) SetBalance(_ context.Context, addr string, bal domain.Balance, _ time.Time, _ time.Duration) {
	f.balances[addr] = bal
}
func (f *fakeKV) GetTxCount(_ context.Context, addr string) (int64, bool) {
	c, ok := f.counts[addr]
	return c, ok
}
func (f *fakeKV) SetTxCount(_ context.Context, addr string, count int64, _ time.Duration) {
	f.counts[addr] = count
}

func paginatedKey(addr string, from, to uint64, page, limit int, order domain.Order) string {
	return addr + string(order)
}

type fakeStore struct {
	coverage map[string][]domain.BlockRange
	txs      map[string][]domain.Transaction
	balances map[string]domain.Balance
}

func newFakeStore() *fakeStore {
	return &fakeStore{coverage: map[string][]domain.BlockRange{}, txs: map[string][]domain.Transaction{}, balances: map[string]domain.Balance{}}
}
func (f *fakeStore) CoverageFor(_ context.Context, addr string) ([]domain.BlockRange, error) {
	return f.coverage[addr], nil
}
func (f *fakeStore) ListTransactions(_ context.Context, q domain.TxQuery, effFrom, effTo uint64) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, t := range f.txs[q.Address.String()] {
		if t.BlockNumber >= effFrom && t.BlockNumber <= effTo {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeStore) CountTransactions(_ context.Context, addr string) (int64, error) {
	return int64(len(f.txs[addr])), nil
}
func (f *fakeStore) BalanceFor(_ context.Context, addr string) (domain.Balance, error) {
	b, ok := f.balances[addr]
	if !ok {
		return domain.Balance{}, apperr.New(apperr.KindNotFound, "fakeStore.BalanceFor", nil)
	}
	return b, nil
}
func (f *fakeStore) UpsertBalance(_ context.Context, bal domain.Balance) error {
	f.balances[bal.Address] = bal
	return nil
}

type fakeResolver struct{ startBlock uint64 }

func (f fakeResolver) StartingBlockFor(_ context.Context, _ domain.Address) (uint64, error) {
	return f.startBlock, nil
}

type fakeExplorer struct {
	txs    []domain.Transaction
	err    error
	calls  int
	ranges [][2]uint64
}

func (f *fakeExplorer) ListTransactions(_ context.Context, _ domain.Address, from, to uint64) ([]domain.Transaction, error) {
	f.calls++
	f.ranges = append(f.ranges, [2]uint64{from, to})
	if f.err != nil {
		return nil, f.err
	}
	return f.txs, nil
}

type fakeNode struct{ height uint64 }

func (f fakeNode) GetBlockNumber(_ context.Context) (uint64, error) { return f.height, nil }
func (f fakeNode) GetBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	return big.NewInt(42), nil
}
func (f fakeNode) GetCode(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	return nil, nil
}

type fakeScheduler struct {
	scheduled []domain.BlockRange
}

func (f *fakeScheduler) ScheduleGaps(_ context.Context, _ domain.Address, gaps []domain.BlockRange) error {
	f.scheduled = append(f.scheduled, gaps...)
	return nil
}

func testAddr(t *testing.T) domain.Address {
	t.Helper()
	a, err := domain.ParseAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.NoError(t, err)
	return a
}

func newService(kv *fakeKV, st *fakeStore, explorer *fakeExplorer, node fakeNode, sched *fakeScheduler) *txservice.Service {
	return txservice.New(kv, st, fakeResolver{startBlock: 0}, explorer, node, sched,
		txservice.Config{BalanceCacheTTL: time.Minute, TxCountCacheTTL: time.Minute, AddressInfoTTL: time.Hour, TxQueryCacheTTL: time.Minute},
		zap.NewNop())
}

// --- S1: fully covered range, served from database, no scheduling --------

func TestGetTransactions_FullyCovered_ServesFromDatabase(t *testing.T) {
	addr := testAddr(t)
	kv := newFakeKV()
	st := newFakeStore()
	st.coverage[addr.String()] = []domain.BlockRange{{FromBlock: 0, ToBlock: 100}}
	st.txs[addr.String()] = []domain.Transaction{{Hash: "0x1", BlockNumber: 50}}
	explorer := &fakeExplorer{}
	sched := &fakeScheduler{}

	svc := newService(kv, st, explorer, fakeNode{height: 100}, sched)

	q, err := domain.ValidateTxQuery(addr, nil, nil, 1, 50, domain.OrderAsc)
	require.NoError(t, err)

	resp, err := svc.GetTransactions(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceDatabase, resp.Metadata.Source)
	assert.False(t, resp.Metadata.BackgroundProcessing)
	assert.Equal(t, 0, explorer.calls)
	assert.Empty(t, sched.scheduled)
}

// --- S2/S3: gaps present, explorer serves, background fill scheduled -----

func TestGetTransactions_WithGaps_ServesFromExplorerAndSchedules(t *testing.T) {
	addr := testAddr(t)
	kv := newFakeKV()
	st := newFakeStore()
	explorer := &fakeExplorer{txs: []domain.Transaction{{Hash: "0x1", BlockNumber: 10}}}
	sched := &fakeScheduler{}

	svc := newService(kv, st, explorer, fakeNode{height: 100}, sched)

	q, err := domain.ValidateTxQuery(addr, nil, nil, 1, 50, domain.OrderAsc)
	require.NoError(t, err)

	resp, err := svc.GetTransactions(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceExplorer, resp.Metadata.Source)
	assert.True(t, resp.Metadata.BackgroundProcessing)
	assert.Equal(t, 1, explorer.calls)
	assert.NotEmpty(t, sched.scheduled)
}

// --- cache hit short-circuits everything ----------------------------------

func TestGetTransactions_CacheHit_SkipsWork(t *testing.T) {
	addr := testAddr(t)
	kv := newFakeKV()
	st := newFakeStore()
	explorer := &fakeExplorer{}
	sched := &fakeScheduler{}

	q, err := domain.ValidateTxQuery(addr, nil, nil, 1, 50, domain.OrderAsc)
	require.NoError(t, err)

	svc := newService(kv, st, explorer, fakeNode{height: 100}, sched)
	kv.paginated[paginatedKey(addr.String(), 0, 100, 1, 50, domain.OrderAsc)] = domain.TxResponse{
		Metadata: domain.Metadata{Source: domain.SourceDatabase},
	}

	resp, err := svc.GetTransactions(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, domain.SourceCache, resp.Metadata.Source, "a cache hit must retag source as cache regardless of what was cached")
	assert.Equal(t, 0, explorer.calls)
	assert.Empty(t, sched.scheduled)
}

// --- query-timeout retry halves the range, then falls back ----------------

type timeoutThenOKExplorer struct {
	fakeExplorer
	failFirst bool
}

func (e *timeoutThenOKExplorer) ListTransactions(ctx context.Context, addr domain.Address, from, to uint64) ([]domain.Transaction, error) {
	e.calls++
	e.ranges = append(e.ranges, [2]uint64{from, to})
	if e.calls == 1 && e.failFirst {
		return nil, apperr.New(apperr.KindUpstreamTimeout, "test", nil)
	}
	return []domain.Transaction{{Hash: "0x1", BlockNumber: from}}, nil
}

func TestGetTransactions_QueryTimeoutRetriesHalvedRange(t *testing.T) {
	addr := testAddr(t)
	kv := newFakeKV()
	st := newFakeStore()
	explorer := &timeoutThenOKExplorer{failFirst: true}
	sched := &fakeScheduler{}

	svc := newService(kv, st, explorer, fakeNode{height: 100}, sched)
	q, err := domain.ValidateTxQuery(addr, nil, nil, 1, 50, domain.OrderAsc)
	require.NoError(t, err)

	resp, err := svc.GetTransactions(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceExplorer, resp.Metadata.Source)
	assert.False(t, resp.Metadata.Incomplete)
	require.Len(t, explorer.ranges, 2)
	assert.Equal(t, [2]uint64{0, 100}, explorer.ranges[0])
	assert.Equal(t, [2]uint64{0, 50}, explorer.ranges[1]) // asc retries the lower half
}

type alwaysTimeoutExplorer struct{ calls int }

func (e *alwaysTimeoutExplorer) ListTransactions(_ context.Context, _ domain.Address, _, _ uint64) ([]domain.Transaction, error) {
	e.calls++
	return nil, apperr.New(apperr.KindUpstreamTimeout, "test", nil)
}

func TestGetTransactions_BothAttemptsTimeout_FallsBackToDatabaseIncomplete(t *testing.T) {
	addr := testAddr(t)
	kv := newFakeKV()
	st := newFakeStore()
	st.txs[addr.String()] = []domain.Transaction{{Hash: "0x1", BlockNumber: 10}}
	explorer := &alwaysTimeoutExplorer{}
	sched := &fakeScheduler{}

	svc := newService(kv, st, explorer, fakeNode{height: 100}, sched)
	q, err := domain.ValidateTxQuery(addr, nil, nil, 1, 50, domain.OrderAsc)
	require.NoError(t, err)

	resp, err := svc.GetTransactions(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceDatabase, resp.Metadata.Source)
	assert.True(t, resp.Metadata.Incomplete)
	assert.Equal(t, 2, explorer.calls)
}

// --- get_balance -----------------------------------------------------------

func TestGetBalance_CacheHit(t *testing.T) {
	addr := testAddr(t)
	kv := newFakeKV()
	kv.balances[addr.String()] = domain.Balance{Address: addr.String(), Balance: "100", BlockNumber: 5, UpdatedAt: time.Now()}
	st := newFakeStore()

	svc := newService(kv, st, &fakeExplorer{}, fakeNode{height: 100}, &fakeScheduler{})
	resp, err := svc.GetBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, domain.SourceCache, resp.Source)
	assert.Equal(t, "100", resp.BalanceWei)
	assert.Equal(t, "0.000000000000000100", resp.BalanceEth)
}

func TestGetBalance_UpstreamRefreshesAndPersists(t *testing.T) {
	addr := testAddr(t)
	kv := newFakeKV()
	st := newFakeStore()

	svc := newService(kv, st, &fakeExplorer{}, fakeNode{height: 999}, &fakeScheduler{})
	resp, err := svc.GetBalance(context.Background(), addr)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, domain.SourceProvider, resp.Source)
	assert.Equal(t, uint64(999), resp.BlockNumber)
	assert.Equal(t, "42", resp.BalanceWei)
	assert.Equal(t, "0.000000000000000042", resp.BalanceEth)

	stored, err := st.BalanceFor(context.Background(), addr.String())
	require.NoError(t, err)
	assert.Equal(t, "42", stored.Balance)
}

// --- get_stored_count --------------------------------------------------

func TestGetStoredCount_CachesAfterDBRead(t *testing.T) {
	addr := testAddr(t)
	kv := newFakeKV()
	st := newFakeStore()
	st.txs[addr.String()] = []domain.Transaction{{Hash: "0x1"}, {Hash: "0x2"}}

	svc := newService(kv, st, &fakeExplorer{}, fakeNode{height: 10}, &fakeScheduler{})

	resp, err := svc.GetStoredCount(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Count)
	assert.False(t, resp.FromCache)

	resp2, err := svc.GetStoredCount(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, resp2.FromCache)
}
