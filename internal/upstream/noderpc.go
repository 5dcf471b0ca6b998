// Package upstream adapts go-ethereum's ethclient and a block-explorer REST
// API into the two collaborator contracts the core engine depends on:
// NodeRPC and Explorer (spec.md §4.3).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
)

// NodeRPC is the minimal set of node JSON-RPC reads the core needs.
// Modeled on the teacher's ethclient.Client usage across
// 04-accounts-balances, 07-eth-call, and 11-storage.
type NodeRPC interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetCode(ctx context.Context, addr common.Address, blockNumber *big.Int) ([]byte, error)
}

// EthClientNodeRPC wraps a single, long-lived *ethclient.Client dialed once
// at startup (the teacher's DialContext-once-reuse-everywhere pattern) and
// applies a per-call deadline from rpcTimeout.
type EthClientNodeRPC struct {
	client     *ethclient.Client
	rpcTimeout time.Duration
}

// NewEthClientNodeRPC dials rpcURL once and returns a NodeRPC sharing that
// connection for the lifetime of the process.
func NewEthClientNodeRPC(ctx context.Context, rpcURL string, rpcTimeout time.Duration) (*EthClientNodeRPC, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamTransient, "upstream.NewEthClientNodeRPC", err)
	}
	return &EthClientNodeRPC{client: client, rpcTimeout: rpcTimeout}, nil
}

func (n *EthClientNodeRPC) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, n.rpcTimeout)
}

func (n *EthClientNodeRPC) GetBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := n.withDeadline(ctx)
	defer cancel()
	height, err := n.client.BlockNumber(ctx)
	if err != nil {
		return 0, classifyRPCErr("upstream.NodeRPC.GetBlockNumber", err)
	}
	return height, nil
}

func (n *EthClientNodeRPC) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel := n.withDeadline(ctx)
	defer cancel()
	bal, err := n.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, classifyRPCErr("upstream.NodeRPC.GetBalance", err)
	}
	return bal, nil
}

func (n *EthClientNodeRPC) GetCode(ctx context.Context, addr common.Address, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := n.withDeadline(ctx)
	defer cancel()
	code, err := n.client.CodeAt(ctx, addr, blockNumber)
	if err != nil {
		return nil, classifyRPCErr("upstream.NodeRPC.GetCode", err)
	}
	return code, nil
}

// Close releases the underlying connection.
func (n *EthClientNodeRPC) Close() {
	n.client.Close()
}

// classifyRPCErr maps a raw ethclient error into the apperr taxonomy: a
// context deadline becomes UpstreamTimeout (spec.md §5's "never leaks as a
// generic I/O error"), everything else becomes UpstreamTransient.
func classifyRPCErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.KindUpstreamTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.New(apperr.KindUpstreamTimeout, op, err)
	}
	return apperr.New(apperr.KindUpstreamTransient, op, fmt.Errorf("rpc call failed: %w", err))
}
