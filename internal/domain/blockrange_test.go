package domain_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
	"github.com/metodievmartin/evm-txindex/internal/domain"
)

func TestValidateBlockRange_AcceptsOrdered(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.Uint64Range(0, math.MaxUint64).Draw(t, "from")
		extra := rapid.Uint64Range(0, math.MaxUint64-from).Draw(t, "extra")
		to := from + extra

		r, err := domain.ValidateBlockRange(from, to)
		require.NoError(t, err)
		assert.Equal(t, from, r.FromBlock)
		assert.Equal(t, to, r.ToBlock)
	})
}

func TestValidateBlockRange_RejectsInverted(t *testing.T) {
	_, err := domain.ValidateBlockRange(100, 50)
	assert.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}

func TestValidateBlockRange_EqualIsFine(t *testing.T) {
	r, err := domain.ValidateBlockRange(42, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Len())
}

func TestValidateBlockRange_MaxSafe(t *testing.T) {
	r, err := domain.ValidateBlockRange(math.MaxUint64, math.MaxUint64)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Len())
}

func TestBlockRange_Overlaps(t *testing.T) {
	a := domain.BlockRange{FromBlock: 10, ToBlock: 20}
	b := domain.BlockRange{FromBlock: 20, ToBlock: 30}
	c := domain.BlockRange{FromBlock: 21, ToBlock: 30}

	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(c))
}
