package domain

import "time"

// Transaction is one externally-observed on-chain transaction touching
// Address, as persisted by the durable store. Immutable once written;
// uniqueness is (Address, Hash).
type Transaction struct {
	Hash            string // 32 bytes, "0x"-prefixed hex
	Address         string // owner index, normalized lowercase
	BlockNumber     uint64
	From            string
	To              *string // nil for contract-creation transactions
	Value           string  // u256 decimal string, wei
	GasPrice        string  // u256 decimal string, wei
	GasUsed         *uint64
	Gas             *uint64
	FunctionName    *string // first 4 bytes of input, when decodable
	ReceiptStatus   string  // "1" success, "0" failure
	ContractAddress *string
	Timestamp       time.Time // UTC
}

// Coverage records that every transaction for Address in
// [FromBlock, ToBlock] has been durably persisted. Rows are append-only;
// merging the set into a minimal union happens at query time in the
// coverage engine, never as a destructive rewrite of stored rows.
type Coverage struct {
	Address   string
	FromBlock uint64
	ToBlock   uint64
	CreatedAt time.Time
}

// AddressInfo records whether Address is an EOA or a contract, and for
// contracts, the block it was created in.
type AddressInfo struct {
	Address        string
	IsContract     bool
	CreationBlock  *uint64
	UpdatedAt      time.Time
}

// Balance is a point-in-time snapshot, never used for arithmetic.
type Balance struct {
	Address     string
	Balance     string // u256 decimal string, wei
	BlockNumber uint64
	UpdatedAt   time.Time
}
