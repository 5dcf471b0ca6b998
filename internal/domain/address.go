package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
)

// Address is a 20-byte account identifier. The zero value is invalid; use
// ParseAddress to construct one.
type Address struct {
	raw common.Address
}

// ParseAddress validates s as exactly 40 hex digits with an optional "0x"
// prefix (case-insensitive) and returns its normalized form. Empty,
// whitespace-only, wrong-length, or non-hex input is rejected.
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Address{}, apperr.New(apperr.KindInvalidInput, "domain.ParseAddress", fmt.Errorf("address is empty"))
	}
	if !common.IsHexAddress(trimmed) {
		return Address{}, apperr.New(apperr.KindInvalidInput, "domain.ParseAddress", fmt.Errorf("%q is not a valid 20-byte hex address", s))
	}
	return Address{raw: common.HexToAddress(trimmed)}, nil
}

// String returns the canonical lowercase "0x"-prefixed form, the one used
// for all storage keys and index lookups.
func (a Address) String() string {
	return strings.ToLower(a.raw.Hex())
}

// Checksum returns the EIP-55 checksummed display form.
func (a Address) Checksum() string {
	return a.raw.Hex()
}

// Bytes returns the 20 raw address bytes.
func (a Address) Bytes() []byte {
	return a.raw.Bytes()
}

// Raw returns the underlying go-ethereum address, for adapters that call
// directly into ethclient.
func (a Address) Raw() common.Address {
	return a.raw
}

// IsZero reports whether a is the unset zero value.
func (a Address) IsZero() bool {
	return a.raw == common.Address{}
}

// Equal reports whether a and b denote the same account.
func (a Address) Equal(b Address) bool {
	return a.raw == b.raw
}
