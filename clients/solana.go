package clients

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/vitwit/storefront/types"
)

// SolDecimals is the number of lamport decimals in one SOL.
const SolDecimals = 9

// SolanaClient reads SOL balances over JSON-RPC.
type SolanaClient struct {
	rpcURL     string
	client     *rpc.Client
	commitment rpc.CommitmentType
}

var _ BalanceClient = (*SolanaClient)(nil)

func NewSolanaClient(rpcURL string) *SolanaClient {
	return &SolanaClient{
		rpcURL:     rpcURL,
		client:     rpc.New(rpcURL),
		commitment: rpc.CommitmentFinalized,
	}
}

// GetBalance returns the finalized balance of address in SOL.
func (c *SolanaClient) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid solana address %q: %w", address, err)
	}

	out, err := c.client.GetBalance(ctx, pub, c.commitment)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance from %s: %w", c.rpcURL, err)
	}

	lamports := decimal.NewFromBigInt(new(big.Int).SetUint64(out.Value), 0)
	return lamports.Shift(-SolDecimals), nil
}

func (c *SolanaClient) Chain() types.ChainFamily { return types.ChainSolana }

func (c *SolanaClient) Close() {}
