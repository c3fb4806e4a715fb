package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// Client is the ledger seam the relay depends on. The production
// implementation wraps a geth ethclient; tests use the generated mock.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// TransactionReceipt returns ethereum.NotFound while the transaction is
	// pending or unknown.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	// NonceAt with a nil block number reports the confirmed nonce at the
	// latest block, used for startup recovery and dropped-nonce detection.
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type client struct {
	*ethclient.Client
}

var _ Client = &client{}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rawURL string) (Client, error) {
	ec, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial node %q", rawURL)
	}
	return &client{ec}, nil
}
