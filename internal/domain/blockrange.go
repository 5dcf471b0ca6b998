package domain

import (
	"fmt"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
)

// BlockRange is the inclusive interval [FromBlock, ToBlock].
type BlockRange struct {
	FromBlock uint64
	ToBlock   uint64
}

// ValidateBlockRange rejects negative bounds (unrepresentable in uint64, so
// only ordering is actually checkable here) and from > to. from == to and
// any pair of equal MAX_SAFE-sized values are accepted.
func ValidateBlockRange(from, to uint64) (BlockRange, error) {
	if from > to {
		return BlockRange{}, apperr.New(apperr.KindInvalidInput, "domain.ValidateBlockRange",
			fmt.Errorf("fromBlock %d is greater than toBlock %d", from, to))
	}
	return BlockRange{FromBlock: from, ToBlock: to}, nil
}

// Len returns the number of blocks the range spans, inclusive.
func (r BlockRange) Len() uint64 {
	return r.ToBlock - r.FromBlock + 1
}

// Overlaps reports whether r and other share at least one block.
func (r BlockRange) Overlaps(other BlockRange) bool {
	return r.FromBlock <= other.ToBlock && other.FromBlock <= r.ToBlock
}
