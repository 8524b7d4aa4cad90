package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/devlongs/mev-searcher/pkg/types"
)

type recorded struct {
	Method string
	Params any
	Header http.Header
	Body   []byte
}

type relayServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recorded
}

// newRelayServer answers each request with reply(method)
func newRelayServer(t *testing.T, reply func(method string) string) *relayServer {
	t.Helper()
	rs := &relayServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		var req struct {
			Method string `json:"method"`
			Params any    `json:"params"`
		}
		assert.NoError(t, sonnet.Unmarshal(body, &req))

		rs.mu.Lock()
		rs.requests = append(rs.requests, recorded{Method: req.Method, Params: req.Params, Header: r.Header.Clone(), Body: body})
		rs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, reply(req.Method))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *relayServer) last() recorded {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.requests[len(rs.requests)-1]
}

func result(v string) string {
	return `{"jsonrpc":"2.0","id":1,"result":` + v + `}`
}

var signedTx = []byte{0x02, 0xf8, 0x6b, 0x01}

func TestSubmitBundle_Flashbots(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := newRelayServer(t, func(string) string { return result(`{"bundleHash":"0xb1"}`) })

	s, err := NewSubmitter(BackendFlashbots, srv.URL, hexutil.Encode(crypto.FromECDSA(key)), time.Second, nil)
	require.NoError(t, err)

	res := s.SubmitBundle(context.Background(), [][]byte{signedTx}, types.BundleConfig{TargetBlock: 100})
	require.Equal(t, types.StatusSubmitted, res.Status, res.Error)
	assert.Equal(t, "0xb1", res.Hash)

	req := srv.last()
	assert.Equal(t, "eth_sendBundle", req.Method)
	params := req.Params.([]any)[0].(map[string]any)
	assert.Equal(t, "0x64", params["blockNumber"])
	assert.Equal(t, []any{hexutil.Encode(signedTx)}, params["txs"])

	// X-Flashbots-Signature is address:sig over the EIP-191 hash of keccak(body)
	parts := strings.SplitN(req.Header.Get("X-Flashbots-Signature"), ":", 2)
	require.Len(t, parts, 2)
	sig, err := hexutil.Decode(parts[1])
	require.NoError(t, err)
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(req.Body)))), sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(*pub))
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), parts[0])
}

func TestSubmitBundle_TargetsNextRelayBlock(t *testing.T) {
	srv := newRelayServer(t, func(method string) string {
		if method == "eth_blockNumber" {
			return result(`"0x10"`)
		}
		return result(`{"bundleHash":"0xb2"}`)
	})
	s, err := NewSubmitter(BackendCustom, srv.URL, "", time.Second, nil)
	require.NoError(t, err)

	res := s.SubmitBundle(context.Background(), [][]byte{signedTx}, types.BundleConfig{})
	require.Equal(t, types.StatusSubmitted, res.Status, res.Error)

	params := srv.last().Params.([]any)[0].(map[string]any)
	assert.Equal(t, "0x11", params["blockNumber"])
}

type fixedHead uint64

func (f fixedHead) BlockNumber(context.Context) (uint64, error) { return uint64(f), nil }

func TestSubmitBundle_Bloxroute(t *testing.T) {
	srv := newRelayServer(t, func(string) string { return result(`{"bundleHash":"0xb3"}`) })
	s, err := NewSubmitter(BackendBloxroute, srv.URL, "secret-token", time.Second, fixedHead(41))
	require.NoError(t, err)

	res := s.SubmitBundle(context.Background(), [][]byte{signedTx}, types.BundleConfig{})
	require.Equal(t, types.StatusSubmitted, res.Status, res.Error)

	req := srv.last()
	assert.Equal(t, "blxr_submit_bundle", req.Method)
	assert.Equal(t, "secret-token", req.Header.Get("Authorization"))
	params := req.Params.(map[string]any)
	assert.Equal(t, []any{"02f86b01"}, params["transaction"])
	assert.Equal(t, "0x2a", params["block_number"])
}

func TestSubmitBundle_CustomForwardsConstraints(t *testing.T) {
	srv := newRelayServer(t, func(string) string { return result(`{"bundleHash":"0xb4"}`) })
	s, err := NewSubmitter(BackendCustom, srv.URL, "", time.Second, fixedHead(1))
	require.NoError(t, err)

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	res := s.SubmitBundle(context.Background(), [][]byte{signedTx}, types.BundleConfig{
		ProfitRecipient:       recipient,
		MinProfitBPS:          80,
		MaxGasBPS:             20,
		RevertOnDeviation:     true,
		DeviationThresholdBPS: 50,
	})
	require.Equal(t, types.StatusSubmitted, res.Status, res.Error)

	params := srv.last().Params.([]any)[0].(map[string]any)
	assert.Equal(t, 80.0, params["minProfitBps"])
	assert.Equal(t, 20.0, params["maxGasBps"])
	assert.Equal(t, true, params["revertOnDeviation"])
	assert.Equal(t, recipient.Hex(), params["profitRecipient"])
}

func TestSubmitBundle_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "rpc error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"bundle underpriced"}}`)
			},
			want: "bundle underpriced",
		},
		{
			name: "http status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			want: "unexpected status 503",
		},
		{
			name: "no hash",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, result(`{}`))
			},
			want: "no bundle hash",
		},
		{
			name: "garbage",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `not json`)
			},
			want: "unmarshal",
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				time.Sleep(300 * time.Millisecond)
				fmt.Fprint(w, result(`{"bundleHash":"0xlate"}`))
			},
			want: "eth_sendBundle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s, err := NewSubmitter(BackendCustom, srv.URL, "", 50*time.Millisecond, fixedHead(1))
			require.NoError(t, err)

			res := s.SubmitBundle(context.Background(), [][]byte{signedTx}, types.BundleConfig{})
			assert.Equal(t, types.StatusFailed, res.Status)
			assert.Contains(t, res.Error, tt.want)
		})
	}
}

func TestSubmitBundle_Empty(t *testing.T) {
	s, err := NewSubmitter(BackendCustom, "http://127.0.0.1:1", "", time.Second, fixedHead(1))
	require.NoError(t, err)
	res := s.SubmitBundle(context.Background(), nil, types.BundleConfig{})
	assert.Equal(t, types.StatusFailed, res.Status)
}

func TestCheckBundleStatus(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		reply   string
		method  string
		want    types.ExecutionStatus
	}{
		{"flashbots sealed", BackendFlashbots, `{"isSimulated":true,"sealedByBuildersAt":[{"pubkey":"0x01","timestamp":"t"}]}`, "flashbots_getBundleStatsV2", types.StatusIncluded},
		{"flashbots pending", BackendFlashbots, `{"isSimulated":true,"sealedByBuildersAt":[]}`, "flashbots_getBundleStatsV2", types.StatusSubmitted},
		{"bloxroute mined", BackendBloxroute, `{"status":"MINED"}`, "blxr_get_bundle_status", types.StatusIncluded},
		{"bloxroute pending", BackendBloxroute, `{"status":"PENDING"}`, "blxr_get_bundle_status", types.StatusSubmitted},
		{"custom included", BackendCustom, `{"status":"included"}`, "eth_getBundleStatus", types.StatusIncluded},
		{"custom unknown", BackendCustom, `{"status":"dropped"}`, "eth_getBundleStatus", types.StatusSubmitted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRelayServer(t, func(string) string { return result(tt.reply) })
			s, err := NewSubmitter(tt.backend, srv.URL, "", time.Second, fixedHead(1))
			require.NoError(t, err)

			status, err := s.CheckBundleStatus(context.Background(), "0xb1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, tt.method, srv.last().Method)
		})
	}
}

func TestCheckBundleStatus_ForgetsIncludedBundles(t *testing.T) {
	var included atomic.Bool
	srv := newRelayServer(t, func(method string) string {
		if method == "eth_sendBundle" {
			return result(`{"bundleHash":"0xb7"}`)
		}
		if included.Load() {
			return result(`{"status":"included"}`)
		}
		return result(`{"status":"pending"}`)
	})
	s, err := NewSubmitter(BackendCustom, srv.URL, "", time.Second, fixedHead(41))
	require.NoError(t, err)

	res := s.SubmitBundle(context.Background(), [][]byte{signedTx}, types.BundleConfig{})
	require.Equal(t, types.StatusSubmitted, res.Status, res.Error)
	target, ok := s.targets.Get("0xb7")
	require.True(t, ok)
	assert.Equal(t, uint64(42), target)

	status, err := s.CheckBundleStatus(context.Background(), "0xb7")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, status)
	assert.True(t, s.targets.Contains("0xb7"))

	included.Store(true)
	status, err = s.CheckBundleStatus(context.Background(), "0xb7")
	require.NoError(t, err)
	assert.Equal(t, types.StatusIncluded, status)
	assert.False(t, s.targets.Contains("0xb7"))
	assert.Zero(t, s.targets.Len())
}

func TestGetRelayStatus(t *testing.T) {
	srv := newRelayServer(t, func(string) string { return result(`"0x12d687"`) })
	s, err := NewSubmitter(BackendFlashbots, srv.URL, "", time.Second, nil)
	require.NoError(t, err)

	height, err := s.GetRelayStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567), height)
	assert.Equal(t, "eth_blockNumber", srv.last().Method)
}

func TestNewSubmitter_Validation(t *testing.T) {
	_, err := NewSubmitter("mystery", "http://relay", "", time.Second, nil)
	assert.Error(t, err)

	_, err = NewSubmitter(BackendCustom, "", "", time.Second, nil)
	assert.Error(t, err)

	_, err = NewSubmitter(BackendFlashbots, "http://relay", "not-hex", time.Second, nil)
	assert.Error(t, err)
}
