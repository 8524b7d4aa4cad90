package relay

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// Backend names a relay protocol
type Backend string

const (
	BackendFlashbots Backend = "flashbots"
	BackendBloxroute Backend = "bloxroute"
	BackendCustom    Backend = "custom"
)

// backend holds everything that differs between relays
type backend interface {
	name() Backend
	authorize(req *http.Request, body []byte) error
	sendBundle(txs []string, target uint64, cfg types.BundleConfig) (string, any)
	bundleStatus(hash string, target uint64) (string, any)
	included(status bundleStatus) bool
}

// bundleStatus is the union of status fields the supported relays return
type bundleStatus struct {
	Status             string `json:"status"`
	IsSimulated        bool   `json:"isSimulated"`
	SealedByBuildersAt []struct {
		PubKey    string `json:"pubkey"`
		Timestamp string `json:"timestamp"`
	} `json:"sealedByBuildersAt"`
}

func newBackend(name Backend, authKey string) (backend, error) {
	switch name {
	case BackendFlashbots:
		return newFlashbots(authKey)
	case BackendBloxroute:
		return &bloxroute{authHeader: authKey}, nil
	case BackendCustom:
		return &custom{authHeader: authKey}, nil
	}
	return nil, fmt.Errorf("relay: unknown backend %q", name)
}

// flashbots signs the EIP-191 hash of keccak(body) with a searcher reputation key
type flashbots struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newFlashbots(authKey string) (*flashbots, error) {
	h := strings.TrimPrefix(strings.TrimSpace(authKey), "0x")
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if h == "" {
		// an ephemeral identity is accepted, it just has no reputation
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.HexToECDSA(h)
	}
	if err != nil {
		return nil, fmt.Errorf("relay: flashbots auth key: %w", err)
	}
	return &flashbots{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (f *flashbots) name() Backend { return BackendFlashbots }

func (f *flashbots) authorize(req *http.Request, body []byte) error {
	digest := accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(body))))
	sig, err := crypto.Sign(digest, f.key)
	if err != nil {
		return fmt.Errorf("sign body: %w", err)
	}
	req.Header.Set("X-Flashbots-Signature", f.address.Hex()+":0x"+hex.EncodeToString(sig))
	return nil
}

func (f *flashbots) sendBundle(txs []string, target uint64, _ types.BundleConfig) (string, any) {
	return "eth_sendBundle", []any{map[string]any{
		"txs":               txs,
		"blockNumber":       hexutil.EncodeUint64(target),
		"revertingTxHashes": []string{},
	}}
}

func (f *flashbots) bundleStatus(hash string, target uint64) (string, any) {
	return "flashbots_getBundleStatsV2", []any{map[string]any{
		"bundleHash":  hash,
		"blockNumber": hexutil.EncodeUint64(target),
	}}
}

func (f *flashbots) included(s bundleStatus) bool {
	return len(s.SealedByBuildersAt) > 0
}

// bloxroute authenticates with a static Authorization header and takes a keyed params object
type bloxroute struct {
	authHeader string
}

func (b *bloxroute) name() Backend { return BackendBloxroute }

func (b *bloxroute) authorize(req *http.Request, _ []byte) error {
	if b.authHeader != "" {
		req.Header.Set("Authorization", b.authHeader)
	}
	return nil
}

func (b *bloxroute) sendBundle(txs []string, target uint64, _ types.BundleConfig) (string, any) {
	raw := make([]string, len(txs))
	for i, tx := range txs {
		raw[i] = strings.TrimPrefix(tx, "0x")
	}
	return "blxr_submit_bundle", map[string]any{
		"transaction":  raw,
		"block_number": hexutil.EncodeUint64(target),
		"mev_builders": map[string]string{"all": ""},
	}
}

func (b *bloxroute) bundleStatus(hash string, target uint64) (string, any) {
	return "blxr_get_bundle_status", map[string]any{
		"bundle_hash":  hash,
		"block_number": hexutil.EncodeUint64(target),
	}
}

func (b *bloxroute) included(s bundleStatus) bool {
	return strings.EqualFold(s.Status, "included") || strings.EqualFold(s.Status, "mined")
}

// custom speaks eth_sendBundle and forwards the bundle constraints
type custom struct {
	authHeader string
}

func (c *custom) name() Backend { return BackendCustom }

func (c *custom) authorize(req *http.Request, _ []byte) error {
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	return nil
}

func (c *custom) sendBundle(txs []string, target uint64, cfg types.BundleConfig) (string, any) {
	return "eth_sendBundle", []any{map[string]any{
		"txs":                   txs,
		"blockNumber":           hexutil.EncodeUint64(target),
		"profitRecipient":       cfg.ProfitRecipient.Hex(),
		"minProfitBps":          cfg.MinProfitBPS,
		"maxGasBps":             cfg.MaxGasBPS,
		"revertOnDeviation":     cfg.RevertOnDeviation,
		"deviationThresholdBps": cfg.DeviationThresholdBPS,
	}}
}

func (c *custom) bundleStatus(hash string, _ uint64) (string, any) {
	return "eth_getBundleStatus", []any{hash}
}

func (c *custom) included(s bundleStatus) bool {
	return strings.EqualFold(s.Status, "included")
}
