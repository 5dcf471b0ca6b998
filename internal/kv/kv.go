// Package kv is a typed facade over a Redis-backed cache, implementing
// exactly the four operations and key scheme spec.md §4.4 names. Every
// read is best-effort: any Redis failure (including serialization errors
// on corrupt data) downgrades to a cache miss rather than propagating.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/metodievmartin/evm-txindex/internal/domain"
)

// Cache is the typed KV facade used by internal/txservice and
// internal/resolver.
type Cache struct {
	client *redis.Client
}

// New wraps an existing *redis.Client. Dialing/pooling is the caller's
// concern (cmd/txindex builds one client shared by the whole process).
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func balanceKey(addr string) string        { return fmt.Sprintf("blockchain:balance:%s", addr) }
func txCountKey(addr string) string        { return fmt.Sprintf("blockchain:txcount:%s", addr) }
func addressInfoKey(addr string) string    { return fmt.Sprintf("blockchain:address_info:%s", addr) }
func paginatedTxKey(addr string, fromBlock, toBlock uint64, page, limit int, order domain.Order) string {
	return fmt.Sprintf("blockchain:tx:paginated:%s:%d:%d:%d:%d:%s", addr, fromBlock, toBlock, page, limit, order)
}

// cachedBalance is the hash stored at a balance key.
type cachedBalance struct {
	Balance     string    `json:"balance"`
	BlockNumber uint64    `json:"blockNumber"`
	CachedAt    time.Time `json:"cachedAt"`
}

// GetBalance returns the cached balance snapshot for addr, or ok=false on
// any miss or failure.
func (c *Cache) GetBalance(ctx context.Context, addr string) (snapshot domain.Balance, cachedAt time.Time, ok bool) {
	raw, err := c.client.Get(ctx, balanceKey(addr)).Bytes()
	if err != nil {
		return domain.Balance{}, time.Time{}, false
	}
	var cb cachedBalance
	if err := json.Unmarshal(raw, &cb); err != nil {
		return domain.Balance{}, time.Time{}, false
	}
	return domain.Balance{
		Address:     addr,
		Balance:     cb.Balance,
		BlockNumber: cb.BlockNumber,
		UpdatedAt:   cb.CachedAt,
	}, cb.CachedAt, true
}

// SetBalance writes a balance snapshot with the given TTL. Write failures
// are swallowed: a cache-write failure must never fail the caller's
// response (spec.md §4.4 best-effort rule applies symmetrically to writes
// in this implementation since the source of truth is always durable
// storage or upstream).
func (c *Cache) SetBalance(ctx context.Context, addr string, bal domain.Balance, cachedAt time.Time, ttl time.Duration) {
	payload, err := json.Marshal(cachedBalance{Balance: bal.Balance, BlockNumber: bal.BlockNumber, CachedAt: cachedAt})
	if err != nil {
		return
	}
	c.client.Set(ctx, balanceKey(addr), payload, ttl)
}

// GetTxCount returns the cached stored-transaction-count for addr.
func (c *Cache) GetTxCount(ctx context.Context, addr string) (count int64, ok bool) {
	n, err := c.client.Get(ctx, txCountKey(addr)).Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetTxCount caches count with ttl.
func (c *Cache) SetTxCount(ctx context.Context, addr string, count int64, ttl time.Duration) {
	c.client.Set(ctx, txCountKey(addr), count, ttl)
}

// GetAddressInfo returns the cached AddressInfo for addr.
func (c *Cache) GetAddressInfo(ctx context.Context, addr string) (info domain.AddressInfo, ok bool) {
	raw, err := c.client.Get(ctx, addressInfoKey(addr)).Bytes()
	if err != nil {
		return domain.AddressInfo{}, false
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return domain.AddressInfo{}, false
	}
	return info, true
}

// SetAddressInfo caches info with ttl (expected to be a multi-day TTL per
// spec.md §4.4, since contract-vs-EOA classification never changes).
func (c *Cache) SetAddressInfo(ctx context.Context, info domain.AddressInfo, ttl time.Duration) {
	payload, err := json.Marshal(info)
	if err != nil {
		return
	}
	c.client.Set(ctx, addressInfoKey(info.Address), payload, ttl)
}

// GetPaginatedTx returns the cached paginated transaction-query response
// for the given key components exactly as it was stored; the caller
// stamps FromCache and Metadata.Source on a hit.
func (c *Cache) GetPaginatedTx(ctx context.Context, addr string, fromBlock, toBlock uint64, page, limit int, order domain.Order) (resp domain.TxResponse, ok bool) {
	raw, err := c.client.Get(ctx, paginatedTxKey(addr, fromBlock, toBlock, page, limit, order)).Bytes()
	if err != nil {
		return domain.TxResponse{}, false
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.TxResponse{}, false
	}
	return resp, true
}

// SetPaginatedTx caches resp as given under the paginated-query key.
func (c *Cache) SetPaginatedTx(ctx context.Context, addr string, fromBlock, toBlock uint64, page, limit int, order domain.Order, resp domain.TxResponse, ttl time.Duration) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.client.Set(ctx, paginatedTxKey(addr, fromBlock, toBlock, page, limit, order), payload, ttl)
}

// IsMiss reports whether err represents an ordinary cache miss (as opposed
// to a connectivity failure worth logging at a higher level). Exposed for
// callers that want to distinguish logging verbosity; GetX methods above
// already collapse both cases to ok=false.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}
