package clients

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/vitwit/storefront/types"
)

// EtherDecimals is the number of wei decimals in one ether.
const EtherDecimals = 18

// EVMClient reads native balances from an EVM JSON-RPC node.
type EVMClient struct {
	rpcURL string
	client *ethclient.Client
}

var _ BalanceClient = (*EVMClient)(nil)

func NewEVMClient(ctx context.Context, rpcURL string) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	return &EVMClient{rpcURL: rpcURL, client: client}, nil
}

// GetBalance returns the latest balance of address in ether.
func (c *EVMClient) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid evm address %q", address)
	}

	wei, err := c.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance from %s: %w", c.rpcURL, err)
	}

	return decimal.NewFromBigInt(wei, -EtherDecimals), nil
}

func (c *EVMClient) Chain() types.ChainFamily { return types.ChainEVM }

func (c *EVMClient) Close() {
	c.client.Close()
}
