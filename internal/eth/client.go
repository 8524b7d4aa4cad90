package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/mev-searcher/internal/config"
)

// Client wraps the Ethereum client with retry logic for reads.
// Writes (SendTransaction) and gas estimation are never retried.
type Client struct {
	client  *ethclient.Client
	cfg     config.RPCConfig
	chainID *big.Int
}

// NewClient creates a new Ethereum client
func NewClient(cfg config.RPCConfig) (*Client, error) {
	client, err := ethclient.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	log.Info().
		Str("url", cfg.URL).
		Str("chainID", chainID.String()).
		Msg("Connected to Ethereum node")

	return &Client{
		client:  client,
		cfg:     cfg,
		chainID: chainID,
	}, nil
}

// Close closes the client connection
func (c *Client) Close() {
	c.client.Close()
}

// ChainID returns the chain ID
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// BlockNumber returns the latest block number with retry
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.retry(ctx, "get block number", func() error {
		var err error
		blockNum, err = c.client.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// CallContract executes a contract call with retry
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.retry(ctx, "call contract", func() error {
		var err error
		result, err = c.client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// PendingNonceAt returns the next nonce for the account with retry
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.retry(ctx, "get nonce", func() error {
		var err error
		nonce, err = c.client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SuggestGasPrice returns the node's gas price suggestion with retry
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.retry(ctx, "suggest gas price", func() error {
		var err error
		price, err = c.client.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

// EstimateGas estimates the gas for msg. A revert surfaces as an error; it is not retried.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.client.EstimateGas(ctx, msg)
}

// SendTransaction broadcasts a signed transaction. It is not retried.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.client.SendTransaction(ctx, tx)
}

// retry runs fn up to RetryAttempts times, stopping early if ctx is done
func (c *Client) retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for i := 0; i < c.cfg.RetryAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msgf("Failed to %s, retrying...", what)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("failed to %s after %d attempts: %w", what, c.cfg.RetryAttempts, err)
}
