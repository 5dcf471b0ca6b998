// Package txservice is the orchestrator: get_transactions, get_balance,
// and get_stored_count (spec.md §4.5), wiring the KV cache, the coverage
// engine, the durable store, the explorer, and the gap scheduler together
// into the three public read paths.
package txservice

import (
	"context"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
	"github.com/metodievmartin/evm-txindex/internal/coverage"
	"github.com/metodievmartin/evm-txindex/internal/domain"
	"github.com/metodievmartin/evm-txindex/internal/metrics"
	"github.com/metodievmartin/evm-txindex/internal/upstream"
)

// KV is the subset of internal/kv.Cache the service depends on.
type KV interface {
	GetPaginatedTx(ctx context.Context, addr string, fromBlock, toBlock uint64, page, limit int, order domain.Order) (domain.TxResponse, bool)
	SetPaginatedTx(ctx context.Context, addr string, fromBlock, toBlock uint64, page, limit int, order domain.Order, resp domain.TxResponse, ttl time.Duration)
	GetBalance(ctx context.Context, addr string) (domain.Balance, time.Time, bool)
	SetBalance(ctx context.Context, addr string, bal domain.Balance, cachedAt time.Time, ttl time.Duration)
	GetTxCount(ctx context.Context, addr string) (int64, bool)
	SetTxCount(ctx context.Context, addr string, count int64, ttl time.Duration)
}

// Store is the subset of internal/store.Store the service depends on.
type Store interface {
	CoverageFor(ctx context.Context, addr string) ([]domain.BlockRange, error)
	ListTransactions(ctx context.Context, q domain.TxQuery, effFrom, effTo uint64) ([]domain.Transaction, error)
	CountTransactions(ctx context.Context, addr string) (int64, error)
	BalanceFor(ctx context.Context, addr string) (domain.Balance, error)
	UpsertBalance(ctx context.Context, bal domain.Balance) error
}

// Resolver is the subset of internal/resolver.Resolver the service needs.
type Resolver interface {
	StartingBlockFor(ctx context.Context, addr domain.Address) (uint64, error)
}

// GapScheduler is the subset of internal/gapqueue.Scheduler the service
// needs to hand off background fill work (spec.md §4.5 step 7).
type GapScheduler interface {
	ScheduleGaps(ctx context.Context, addr domain.Address, gaps []domain.BlockRange) error
}

// Config holds the TTLs and tunables the service needs from spec.md §4.4
// and §6, kept here rather than re-reading internal/config so the service
// has no import-time dependency on the CLI layer.
type Config struct {
	BalanceCacheTTL time.Duration
	TxCountCacheTTL time.Duration
	AddressInfoTTL  time.Duration
	TxQueryCacheTTL time.Duration
}

// Service implements get_transactions/get_balance/get_stored_count.
type Service struct {
	kv       KV
	store    Store
	resolver Resolver
	explorer upstream.Explorer
	node     upstream.NodeRPC
	gaps     GapScheduler
	cfg      Config
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New builds a Service from its collaborators.
func New(kv KV, st Store, rv Resolver, explorer upstream.Explorer, node upstream.NodeRPC, gaps GapScheduler, cfg Config, log *zap.Logger) *Service {
	return &Service{kv: kv, store: st, resolver: rv, explorer: explorer, node: node, gaps: gaps, cfg: cfg, log: log}
}

// SetMetrics attaches a collector bundle for the KV cache hit/miss
// counters; callers that don't care (most tests) can leave it unset.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) recordCache(kind string, hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHits.WithLabelValues(kind).Inc()
	} else {
		s.metrics.CacheMisses.WithLabelValues(kind).Inc()
	}
}

// GetTransactions implements spec.md §4.5's get_transactions algorithm.
func (s *Service) GetTransactions(ctx context.Context, q domain.TxQuery) (domain.TxResponse, error) {
	effFrom, effTo, err := s.resolveBounds(ctx, q)
	if err != nil {
		return domain.TxResponse{}, err
	}

	addrKey := q.Address.String()
	if cached, ok := s.kv.GetPaginatedTx(ctx, addrKey, effFrom, effTo, q.Page, q.Limit, q.Order); ok {
		s.recordCache("transactions", true)
		cached.FromCache = true
		cached.Metadata.Source = domain.SourceCache
		return cached, nil
	}
	s.recordCache("transactions", false)

	ranges, err := s.store.CoverageFor(ctx, addrKey)
	if err != nil {
		return domain.TxResponse{}, err
	}
	gaps := coverage.FindGaps(ranges, effFrom, effTo)

	var resp domain.TxResponse
	if len(gaps) == 0 {
		resp, err = s.serveFromDatabase(ctx, q, effFrom, effTo)
	} else {
		resp, err = s.serveFromExplorer(ctx, q, effFrom, effTo)
	}
	if err != nil {
		return domain.TxResponse{}, err
	}

	if len(gaps) > 0 {
		if schedErr := s.gaps.ScheduleGaps(ctx, q.Address, gaps); schedErr != nil {
			s.log.Warn("failed to schedule gap fill", zap.String("address", addrKey), zap.Error(schedErr))
		} else {
			resp.Metadata.BackgroundProcessing = true
		}
	}

	s.kv.SetPaginatedTx(ctx, addrKey, effFrom, effTo, q.Page, q.Limit, q.Order, resp, s.cfg.TxQueryCacheTTL)
	return resp, nil
}

// resolveBounds implements step 2 of spec.md §4.5: effFrom defaults to
// the resolver's starting_block_for, effTo defaults to the current chain
// head. An inverted effective range after substitution is InvalidInput —
// spec.md §9 leaves this case open; this repo resolves it that way since
// no tier can serve an inverted range correctly.
func (s *Service) resolveBounds(ctx context.Context, q domain.TxQuery) (uint64, uint64, error) {
	effFrom := uint64(0)
	if q.From != nil {
		effFrom = *q.From
	} else {
		b, err := s.resolver.StartingBlockFor(ctx, q.Address)
		if err != nil {
			return 0, 0, err
		}
		effFrom = b
	}

	effTo := uint64(0)
	if q.To != nil {
		effTo = *q.To
	} else {
		h, err := s.node.GetBlockNumber(ctx)
		if err != nil {
			return 0, 0, err
		}
		effTo = h
	}

	if effFrom > effTo {
		return 0, 0, apperr.New(apperr.KindInvalidInput, "txservice.resolveBounds",
			errInvertedEffectiveRange{from: effFrom, to: effTo})
	}
	return effFrom, effTo, nil
}

type errInvertedEffectiveRange struct{ from, to uint64 }

func (e errInvertedEffectiveRange) Error() string {
	return "effective range inverted after bound resolution"
}

func (s *Service) serveFromDatabase(ctx context.Context, q domain.TxQuery, effFrom, effTo uint64) (domain.TxResponse, error) {
	txs, err := s.store.ListTransactions(ctx, q, effFrom, effTo)
	if err != nil {
		return domain.TxResponse{}, err
	}
	return domain.TxResponse{
		Transactions: txs,
		Pagination:   domain.Pagination{Page: q.Page, Limit: q.Limit, HasMore: len(txs) == q.Limit},
		Metadata: domain.Metadata{
			Address:   q.Address.String(),
			FromBlock: effFrom,
			ToBlock:   effTo,
			Source:    domain.SourceDatabase,
		},
	}, nil
}

// serveFromExplorer implements spec.md §4.5 step 6: call Explorer across
// [effFrom, effTo]; on query-timeout, retry once with a halved range
// (lower half for asc, upper half for desc); if the retry also times out,
// fall back to the durable store with metadata.incomplete=true.
func (s *Service) serveFromExplorer(ctx context.Context, q domain.TxQuery, effFrom, effTo uint64) (domain.TxResponse, error) {
	txs, err := s.explorer.ListTransactions(ctx, q.Address, effFrom, effTo)
	if err == nil {
		return s.respondFromExplorer(q, effFrom, effTo, txs, false), nil
	}
	if apperr.KindOf(err) != apperr.KindUpstreamTimeout {
		return domain.TxResponse{}, err
	}

	mid := effFrom + (effTo-effFrom)/2
	var retryFrom, retryTo uint64
	if q.Order == domain.OrderAsc {
		retryFrom, retryTo = effFrom, mid
	} else {
		retryFrom, retryTo = mid+1, effTo
	}

	txs, err = s.explorer.ListTransactions(ctx, q.Address, retryFrom, retryTo)
	if err == nil {
		return s.respondFromExplorer(q, effFrom, effTo, txs, false), nil
	}
	if apperr.KindOf(err) != apperr.KindUpstreamTimeout {
		return domain.TxResponse{}, err
	}

	resp, dbErr := s.serveFromDatabase(ctx, q, effFrom, effTo)
	if dbErr != nil {
		return domain.TxResponse{}, dbErr
	}
	resp.Metadata.Incomplete = true
	return resp, nil
}

func (s *Service) respondFromExplorer(q domain.TxQuery, effFrom, effTo uint64, txs []domain.Transaction, incomplete bool) domain.TxResponse {
	paged := paginate(txs, q.Page, q.Limit, q.Order)
	return domain.TxResponse{
		Transactions: paged,
		Pagination:   domain.Pagination{Page: q.Page, Limit: q.Limit, HasMore: len(paged) == q.Limit},
		Metadata: domain.Metadata{
			Address:    q.Address.String(),
			FromBlock:  effFrom,
			ToBlock:    effTo,
			Source:     domain.SourceExplorer,
			Incomplete: incomplete,
		},
	}
}

// paginate applies (page-1)*limit offset + limit slicing, honoring order.
// The explorer adapter always returns rows in ascending block order, so a
// desc query reverses them before slicing.
func paginate(txs []domain.Transaction, page, limit int, order domain.Order) []domain.Transaction {
	if order == domain.OrderDesc {
		rev := make([]domain.Transaction, len(txs))
		for i, t := range txs {
			rev[len(txs)-1-i] = t
		}
		txs = rev
	}
	offset := (page - 1) * limit
	if offset >= len(txs) {
		return nil
	}
	end := offset + limit
	if end > len(txs) {
		end = len(txs)
	}
	return txs[offset:end]
}

// GetBalance implements spec.md §4.5's get_balance: KV → upstream refresh
// (both balance and current height) → durable snapshot upsert → cache
// write; on upstream failure, serve the last durable snapshot if any,
// else fail.
func (s *Service) GetBalance(ctx context.Context, addr domain.Address) (domain.BalanceResponse, error) {
	addrKey := addr.String()

	if bal, cachedAt, ok := s.kv.GetBalance(ctx, addrKey); ok {
		s.recordCache("balance", true)
		age := time.Since(cachedAt)
		return balanceResponse(bal, true, &age, domain.SourceCache), nil
	}
	s.recordCache("balance", false)

	wei, err := s.node.GetBalance(ctx, addr.Raw())
	if err == nil {
		height, hErr := s.node.GetBlockNumber(ctx)
		if hErr == nil {
			bal := domain.Balance{
				Address:     addrKey,
				Balance:     uint256.MustFromBig(wei).Dec(),
				BlockNumber: height,
				UpdatedAt:   time.Now().UTC(),
			}
			if upErr := s.store.UpsertBalance(ctx, bal); upErr != nil {
				s.log.Warn("failed to persist balance snapshot", zap.String("address", addrKey), zap.Error(upErr))
			}
			s.kv.SetBalance(ctx, addrKey, bal, bal.UpdatedAt, s.cfg.BalanceCacheTTL)
			return balanceResponse(bal, false, nil, domain.SourceProvider), nil
		}
		err = hErr
	}

	bal, dbErr := s.store.BalanceFor(ctx, addrKey)
	if dbErr != nil {
		return domain.BalanceResponse{}, err
	}
	return balanceResponse(bal, false, nil, domain.SourceDatabase), nil
}

func balanceResponse(bal domain.Balance, fromCache bool, age *time.Duration, source domain.Source) domain.BalanceResponse {
	return domain.BalanceResponse{
		Address:     bal.Address,
		BalanceEth:  weiToEth(bal.Balance),
		BalanceWei:  bal.Balance,
		BlockNumber: bal.BlockNumber,
		LastUpdated: bal.UpdatedAt,
		FromCache:   fromCache,
		CacheAge:    age,
		Source:      source,
	}
}

// weiToEth converts a decimal wei amount to its ETH-denominated decimal
// string (divide by 1e18), matching the wei/ether conversion the teacher's
// own tutorials perform when printing a queried balance. An unparseable
// input (should not happen for a value this package itself produced via
// uint256.Dec()) yields "0" rather than panicking.
func weiToEth(weiDec string) string {
	wei, ok := new(big.Float).SetPrec(256).SetString(weiDec)
	if !ok {
		return "0"
	}
	eth := new(big.Float).SetPrec(256).Quo(wei, big.NewFloat(1e18))
	return eth.Text('f', 18)
}

// GetStoredCount implements spec.md §4.5's get_stored_count: KV → durable
// COUNT(*); cache the result.
func (s *Service) GetStoredCount(ctx context.Context, addr domain.Address) (domain.StoredCountResponse, error) {
	addrKey := addr.String()

	if count, ok := s.kv.GetTxCount(ctx, addrKey); ok {
		s.recordCache("txcount", true)
		return domain.StoredCountResponse{Address: addrKey, Count: count, FromCache: true, Source: domain.SourceCache}, nil
	}
	s.recordCache("txcount", false)

	count, err := s.store.CountTransactions(ctx, addrKey)
	if err != nil {
		return domain.StoredCountResponse{}, err
	}
	s.kv.SetTxCount(ctx, addrKey, count, s.cfg.TxCountCacheTTL)
	return domain.StoredCountResponse{Address: addrKey, Count: count, Source: domain.SourceDatabase}, nil
}
