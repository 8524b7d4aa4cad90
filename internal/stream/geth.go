package stream

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/devlongs/mev-searcher/pkg/types"
)

var errClosed = errors.New("stream: subscription closed")

// GethSource subscribes to full pending transactions over a node's websocket endpoint
type GethSource struct {
	url        string
	authHeader string
	signer     ethtypes.Signer
}

// NewGethSource creates a source. authHeader is sent as Authorization when non-empty.
func NewGethSource(url, authHeader string, chainID *big.Int) *GethSource {
	return &GethSource{
		url:        url,
		authHeader: authHeader,
		signer:     ethtypes.LatestSignerForChainID(chainID),
	}
}

// Name implements Source
func (g *GethSource) Name() string { return "geth" }

// Subscribe implements Source
func (g *GethSource) Subscribe(ctx context.Context) (Subscription, error) {
	var opts []rpc.ClientOption
	if g.authHeader != "" {
		opts = append(opts, rpc.WithHeader("Authorization", g.authHeader))
	}
	client, err := rpc.DialOptions(ctx, g.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch := make(chan *ethtypes.Transaction, 256)
	sub, err := gethclient.New(client).SubscribeFullPendingTransactions(ctx, ch)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	return &gethSubscription{
		client: client,
		sub:    sub,
		ch:     ch,
		signer: g.signer,
		done:   make(chan struct{}),
	}, nil
}

type gethSubscription struct {
	client *rpc.Client
	sub    ethereum.Subscription
	ch     chan *ethtypes.Transaction
	signer ethtypes.Signer

	once sync.Once
	done chan struct{}
}

func (s *gethSubscription) Next() (types.PendingTx, error) {
	select {
	case tx := <-s.ch:
		return fromTransaction(tx, s.signer, "geth"), nil
	case err := <-s.sub.Err():
		if err == nil {
			err = errClosed
		}
		return types.PendingTx{}, err
	case <-s.done:
		return types.PendingTx{}, errClosed
	}
}

func (s *gethSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.sub.Unsubscribe()
		s.client.Close()
	})
	return nil
}

func fromTransaction(tx *ethtypes.Transaction, signer ethtypes.Signer, source string) types.PendingTx {
	// unrecoverable senders stay zero and fail attribution later
	from, _ := ethtypes.Sender(signer, tx)
	return types.PendingTx{
		Hash:     tx.Hash(),
		From:     from,
		To:       tx.To(),
		Value:    tx.Value(),
		Data:     tx.Data(),
		GasPrice: tx.GasPrice(),
		GasLimit: tx.Gas(),
		Nonce:    tx.Nonce(),
		SeenAt:   time.Now(),
		Source:   source,
	}
}
