package simulation

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// ForkClient is the node access the fork simulator needs
type ForkClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// ForkSimulator replays a transaction with eth_call and eth_estimateGas
// against a local or forked node
type ForkSimulator struct {
	client ForkClient
}

// NewForkSimulator creates a fork simulator
func NewForkSimulator(client ForkClient) *ForkSimulator {
	return &ForkSimulator{client: client}
}

// Name implements Simulator
func (f *ForkSimulator) Name() string { return "fork" }

// Simulate implements Simulator
func (f *ForkSimulator) Simulate(ctx context.Context, from common.Address, tx *types.TxRequest) (*Outcome, error) {
	to := tx.To
	msg := ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: tx.Value,
		Data:  tx.Data,
	}

	out, err := f.client.CallContract(ctx, msg, nil)
	if err != nil {
		if reason, ok := RevertReason(err); ok {
			return &Outcome{Reverted: true, RevertReason: reason}, nil
		}
		return nil, err
	}

	gas, err := f.client.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := RevertReason(err); ok {
			return &Outcome{Reverted: true, RevertReason: reason}, nil
		}
		return nil, err
	}

	return &Outcome{ReturnData: out, GasUsed: gas}, nil
}

// RevertReason extracts the reason from an execution-reverted RPC error.
// It reports false for errors that are not reverts.
func RevertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
		return dataErr.Error(), true
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return err.Error(), true
	}
	return "", false
}
