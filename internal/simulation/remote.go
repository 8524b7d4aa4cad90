package simulation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sugawarayuuta/sonnet"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// RemoteSimulator calls a hosted simulation API (Tenderly-compatible
// POST /simulate with an X-Access-Key header)
type RemoteSimulator struct {
	url       string
	key       string
	networkID string
	client    *http.Client
}

// NewRemoteSimulator creates a remote simulator client
func NewRemoteSimulator(url, key, networkID string, timeout time.Duration) *RemoteSimulator {
	return &RemoteSimulator{
		url:       strings.TrimRight(url, "/"),
		key:       key,
		networkID: networkID,
		client:    &http.Client{Timeout: timeout},
	}
}

type simulateRequest struct {
	NetworkID      string `json:"network_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Input          string `json:"input"`
	Gas            uint64 `json:"gas"`
	Value          string `json:"value"`
	Save           bool   `json:"save"`
	SimulationType string `json:"simulation_type"`
}

type simulateResponse struct {
	Transaction *struct {
		Status          bool   `json:"status"`
		GasUsed         uint64 `json:"gas_used"`
		ErrorMessage    string `json:"error_message"`
		TransactionInfo struct {
			CallTrace struct {
				Output string `json:"output"`
			} `json:"call_trace"`
		} `json:"transaction_info"`
	} `json:"transaction"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Name implements Simulator
func (r *RemoteSimulator) Name() string { return "remote" }

// Simulate implements Simulator
func (r *RemoteSimulator) Simulate(ctx context.Context, from common.Address, tx *types.TxRequest) (*Outcome, error) {
	value := "0"
	if tx.Value != nil {
		value = tx.Value.String()
	}
	body, err := sonnet.Marshal(simulateRequest{
		NetworkID:      r.networkID,
		From:           from.Hex(),
		To:             tx.To.Hex(),
		Input:          hexutil.Encode(tx.Data),
		Gas:            tx.GasLimit,
		Value:          value,
		SimulationType: "quick",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/simulate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key", r.key)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed simulateResponse
	if err := sonnet.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("simulator error: %s", parsed.Error.Message)
	}
	if parsed.Transaction == nil {
		return nil, fmt.Errorf("response has no transaction")
	}

	t := parsed.Transaction
	if !t.Status {
		return &Outcome{Reverted: true, RevertReason: t.ErrorMessage, GasUsed: t.GasUsed}, nil
	}

	out, err := hexutil.Decode(t.TransactionInfo.CallTrace.Output)
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return &Outcome{ReturnData: out, GasUsed: t.GasUsed}, nil
}
