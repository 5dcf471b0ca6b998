package domain

import (
	"fmt"
	"time"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
)

// Order is the sort direction for a paginated transaction query.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Source tags where a response's data ultimately came from.
type Source string

const (
	SourceDatabase Source = "database"
	SourceExplorer Source = "explorer"
	SourceCache    Source = "cache"
	SourceProvider Source = "provider"
)

// TxQuery is a validated get_transactions request.
type TxQuery struct {
	Address Address
	From    *uint64
	To      *uint64
	Page    int
	Limit   int
	Order   Order
}

// ValidateTxQuery enforces spec.md §4.5's constraints: 1<=limit<=1000,
// 1<=page, order in {asc,desc}, and from<=to when both are given.
func ValidateTxQuery(addr Address, from, to *uint64, page, limit int, order Order) (TxQuery, error) {
	const op = "domain.ValidateTxQuery"
	if page < 1 {
		return TxQuery{}, apperr.New(apperr.KindInvalidInput, op, fmt.Errorf("page %d must be >= 1", page))
	}
	if limit < 1 || limit > 1000 {
		return TxQuery{}, apperr.New(apperr.KindInvalidInput, op, fmt.Errorf("limit %d must be in [1,1000]", limit))
	}
	if order != OrderAsc && order != OrderDesc {
		return TxQuery{}, apperr.New(apperr.KindInvalidInput, op, fmt.Errorf("order %q must be asc or desc", order))
	}
	if from != nil && to != nil && *from > *to {
		return TxQuery{}, apperr.New(apperr.KindInvalidInput, op, fmt.Errorf("from %d is greater than to %d", *from, *to))
	}
	return TxQuery{Address: addr, From: from, To: to, Page: page, Limit: limit, Order: order}, nil
}

// Pagination describes the page actually served.
type Pagination struct {
	Page    int
	Limit   int
	HasMore bool // returned_count == limit; count-based, not total-based
}

// Metadata carries provenance and background-work signalling for a
// get_transactions response.
type Metadata struct {
	Address              string
	FromBlock            uint64
	ToBlock              uint64
	Source               Source
	BackgroundProcessing bool
	Incomplete           bool
}

// TxResponse is the full get_transactions result.
type TxResponse struct {
	Transactions []Transaction
	FromCache    bool
	Pagination   Pagination
	Metadata     Metadata
}

// BalanceResponse is the get_balance result.
type BalanceResponse struct {
	Address     string
	BalanceEth  string
	BalanceWei  string
	BlockNumber uint64
	LastUpdated time.Time
	FromCache   bool
	CacheAge    *time.Duration
	Source      Source
}

// StoredCountResponse is the get_stored_count result.
type StoredCountResponse struct {
	Address   string
	Count     int64
	FromCache bool
	Source    Source
}
