// Package resolver determines whether an address is an externally-owned
// account or a contract and, for contracts, finds the creation block via
// binary search over getCode snapshots (spec.md §4.2). It is consulted by
// internal/txservice to bound an unscoped query's starting block.
package resolver

import (
	"context"
	"math/big"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
	"github.com/metodievmartin/evm-txindex/internal/domain"
	"github.com/metodievmartin/evm-txindex/internal/metrics"
	"github.com/metodievmartin/evm-txindex/internal/upstream"
)

// KV is the subset of internal/kv.Cache the resolver depends on.
type KV interface {
	GetAddressInfo(ctx context.Context, addr string) (domain.AddressInfo, bool)
	SetAddressInfo(ctx context.Context, info domain.AddressInfo, ttl time.Duration)
}

// Store is the subset of internal/store.Store the resolver depends on.
type Store interface {
	AddressInfoFor(ctx context.Context, addr string) (domain.AddressInfo, error)
	UpsertAddressInfo(ctx context.Context, info domain.AddressInfo) error
}

// Resolver implements spec.md §4.2's three-tier resolve(address) contract.
// A singleflight group collapses concurrent resolves of the same address
// into one discovery call, so a second concurrent caller performs zero
// upstream work (spec.md §7 scenario S6) and instead waits for, and
// shares, the first caller's result.
type Resolver struct {
	kv       KV
	store    Store
	node     upstream.NodeRPC
	infoTTL  time.Duration
	inflight singleflight.Group
	metrics  *metrics.Metrics
}

// New builds a Resolver. infoTTL is the KV TTL applied when warming the
// cache after a durable hit or a fresh discovery (spec.md §4.4's
// address_info_cache_ttl).
func New(kv KV, st Store, node upstream.NodeRPC, infoTTL time.Duration) *Resolver {
	return &Resolver{kv: kv, store: st, node: node, infoTTL: infoTTL}
}

// SetMetrics attaches a collector bundle for the binary-search call
// counter; callers that don't care (most tests) can leave it unset.
func (r *Resolver) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Resolve returns the classification for addr, consulting KV, then the
// durable store, then live discovery, in that order.
func (r *Resolver) Resolve(ctx context.Context, addr domain.Address) (domain.AddressInfo, error) {
	key := addr.String()

	if info, ok := r.kv.GetAddressInfo(ctx, key); ok {
		if r.metrics != nil {
			r.metrics.CacheHits.WithLabelValues("address_info").Inc()
		}
		return info, nil
	}
	if r.metrics != nil {
		r.metrics.CacheMisses.WithLabelValues("address_info").Inc()
	}

	if info, err := r.store.AddressInfoFor(ctx, key); err == nil {
		r.kv.SetAddressInfo(ctx, info, r.infoTTL)
		return info, nil
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return domain.AddressInfo{}, err
	}

	v, err, _ := r.inflight.Do(key, func() (interface{}, error) {
		return r.discover(ctx, addr)
	})
	if err != nil {
		return domain.AddressInfo{}, err
	}
	return v.(domain.AddressInfo), nil
}

// StartingBlockFor implements the resolver's sole contract to
// internal/txservice: creationBlock when known, else 0.
func (r *Resolver) StartingBlockFor(ctx context.Context, addr domain.Address) (uint64, error) {
	info, err := r.Resolve(ctx, addr)
	if err != nil {
		return 0, err
	}
	if info.IsContract && info.CreationBlock != nil {
		return *info.CreationBlock, nil
	}
	return 0, nil
}

func (r *Resolver) discover(ctx context.Context, addr domain.Address) (domain.AddressInfo, error) {
	const op = "resolver.discover"

	code, err := r.node.GetCode(ctx, addr.Raw(), nil)
	if err != nil {
		return domain.AddressInfo{}, apperr.New(apperr.KindUpstreamTransient, op, err)
	}

	now := time.Now().UTC()
	if len(code) == 0 {
		info := domain.AddressInfo{Address: addr.String(), IsContract: false, UpdatedAt: now}
		r.persist(ctx, info)
		return info, nil
	}

	latest, err := r.node.GetBlockNumber(ctx)
	if err != nil {
		return domain.AddressInfo{}, apperr.New(apperr.KindUpstreamTransient, op, err)
	}

	creationBlock, err := r.binarySearchCreationBlock(ctx, addr, latest)
	if err != nil {
		return domain.AddressInfo{}, err
	}

	info := domain.AddressInfo{Address: addr.String(), IsContract: true, CreationBlock: &creationBlock, UpdatedAt: now}
	r.persist(ctx, info)
	return info, nil
}

// binarySearchCreationBlock finds the smallest b in [0, latest] with
// getCode(addr, b) non-empty, biasing upward (lo = mid+1) on transient
// per-call errors rather than failing the whole search.
func (r *Resolver) binarySearchCreationBlock(ctx context.Context, addr domain.Address, latest uint64) (uint64, error) {
	lo, hi := uint64(0), latest
	ethAddr := addr.Raw()

	for lo < hi {
		mid := lo + (hi-lo)/2
		if r.metrics != nil {
			r.metrics.ResolverBinarySearchCalls.Inc()
		}
		code, err := r.node.GetCode(ctx, ethAddr, new(big.Int).SetUint64(mid))
		if err != nil {
			lo = mid + 1
			continue
		}
		if len(code) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

// persist writes the discovered classification to the durable store and
// KV concurrently. Neither side effect's failure masks the other's
// success, nor does either failure fail the caller: the classification
// has already been computed and is returned regardless.
func (r *Resolver) persist(ctx context.Context, info domain.AddressInfo) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.store.UpsertAddressInfo(ctx, info)
	}()
	r.kv.SetAddressInfo(ctx, info, r.infoTTL)
	<-done
}
