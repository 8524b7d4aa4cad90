package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// ErrNoBundleHash is returned when a relay accepts a request but names no bundle
var ErrNoBundleHash = errors.New("relay: response carried no bundle hash")

// maxTrackedBundles bounds the bundle hash to target block index
const maxTrackedBundles = 4096

// BlockSource reports the current chain head
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Submitter delivers signed transactions to one relay backend. Requests are
// never retried.
type Submitter struct {
	backend backend
	url     string
	client  *http.Client
	blocks  BlockSource

	targets *lru.Cache[string, uint64]

	now func() time.Time
}

// NewSubmitter creates a submitter for the named backend. blocks may be nil,
// in which case the target block is derived from the relay's own eth_blockNumber.
func NewSubmitter(name Backend, url, authKey string, timeout time.Duration, blocks BlockSource) (*Submitter, error) {
	b, err := newBackend(name, authKey)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, fmt.Errorf("relay: %s needs a url", name)
	}
	return &Submitter{
		backend: b,
		url:     url,
		client:  &http.Client{Timeout: timeout},
		blocks:  blocks,
		targets: lru.NewCache[string, uint64](maxTrackedBundles),
		now:     time.Now,
	}, nil
}

// Backend returns the relay protocol in use
func (s *Submitter) Backend() Backend {
	return s.backend.name()
}

// SubmitBundle posts the bundle for the next block (or cfg.TargetBlock).
// Failures are reported in the result, never returned.
func (s *Submitter) SubmitBundle(ctx context.Context, signedTxs [][]byte, cfg types.BundleConfig) *types.ExecutionResult {
	if len(signedTxs) == 0 {
		return types.Failed(errors.New("relay: empty bundle"))
	}

	target := cfg.TargetBlock
	if target == 0 {
		head, err := s.head(ctx)
		if err != nil {
			return types.Failed(fmt.Errorf("relay: resolve target block: %w", err))
		}
		target = head + 1
	}

	txs := make([]string, len(signedTxs))
	for i, raw := range signedTxs {
		txs[i] = hexutil.Encode(raw)
	}

	method, params := s.backend.sendBundle(txs, target, cfg)
	res, err := call[struct {
		BundleHash string `json:"bundleHash"`
	}](ctx, s, method, params)
	if err != nil {
		log.Warn().Err(err).Str("backend", string(s.backend.name())).Msg("Bundle submission failed")
		return types.Failed(err)
	}
	if res.BundleHash == "" {
		return types.Failed(ErrNoBundleHash)
	}

	s.targets.Add(res.BundleHash, target)

	log.Info().
		Str("backend", string(s.backend.name())).
		Str("bundle", res.BundleHash).
		Uint64("targetBlock", target).
		Msg("Bundle submitted")

	return &types.ExecutionResult{
		Hash:        res.BundleHash,
		SubmittedAt: s.now(),
		Status:      types.StatusSubmitted,
	}
}

// CheckBundleStatus asks the relay what happened to a bundle
func (s *Submitter) CheckBundleStatus(ctx context.Context, hash string) (types.ExecutionStatus, error) {
	target, _ := s.targets.Get(hash)

	method, params := s.backend.bundleStatus(hash, target)
	status, err := call[bundleStatus](ctx, s, method, params)
	if err != nil {
		return "", err
	}
	if s.backend.included(status) {
		s.targets.Remove(hash)
		return types.StatusIncluded, nil
	}
	return types.StatusSubmitted, nil
}

// GetRelayStatus returns the block height the relay reports
func (s *Submitter) GetRelayStatus(ctx context.Context) (uint64, error) {
	n, err := call[hexutil.Uint64](ctx, s, "eth_blockNumber", []any{})
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *Submitter) head(ctx context.Context) (uint64, error) {
	if s.blocks != nil {
		return s.blocks.BlockNumber(ctx)
	}
	return s.GetRelayStatus(ctx)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse[T any] struct {
	Result *T        `json:"result"`
	Error  *rpcError `json:"error"`
}

// call performs one JSON-RPC round trip against the relay
func call[T any](ctx context.Context, s *Submitter, method string, params any) (T, error) {
	var zero T

	body, err := sonnet.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return zero, fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.backend.authorize(req, body); err != nil {
		return zero, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("%s: unexpected status %d: %s", method, resp.StatusCode, string(respBody))
	}

	var parsed rpcResponse[T]
	if err := sonnet.Unmarshal(respBody, &parsed); err != nil {
		return zero, fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	if parsed.Error != nil {
		return zero, fmt.Errorf("%s: %w", method, parsed.Error)
	}
	if parsed.Result == nil {
		return zero, fmt.Errorf("%s: response has neither result nor error", method)
	}
	return *parsed.Result, nil
}
