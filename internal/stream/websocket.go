package stream

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// WSSource reads a JSON mempool feed (bloXroute newTxs format) over a plain websocket
type WSSource struct {
	url        string
	authHeader string
	now        func() time.Time
}

// NewWSSource creates a websocket feed source
func NewWSSource(url, authHeader string) *WSSource {
	return &WSSource{url: url, authHeader: authHeader, now: time.Now}
}

// Name implements Source
func (w *WSSource) Name() string { return "websocket" }

type feedSubscribe struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type feedFrame struct {
	Params *struct {
		Result feedTx `json:"result"`
	} `json:"params"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type feedTx struct {
	TxHash     common.Hash `json:"txHash"`
	TxContents struct {
		From     common.Address  `json:"from"`
		To       *common.Address `json:"to"`
		Value    *hexutil.Big    `json:"value"`
		Input    hexutil.Bytes   `json:"input"`
		GasPrice *hexutil.Big    `json:"gasPrice"`
		Gas      hexutil.Uint64  `json:"gas"`
		Nonce    hexutil.Uint64  `json:"nonce"`
	} `json:"txContents"`
}

// Subscribe implements Source
func (w *WSSource) Subscribe(ctx context.Context) (Subscription, error) {
	header := http.Header{}
	if w.authHeader != "" {
		header.Set("Authorization", w.authHeader)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	req := feedSubscribe{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "subscribe",
		Params:  []any{"newTxs", map[string]any{"include": []string{"tx_hash", "tx_contents"}}},
	}
	body, err := sonnet.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	return &wsSubscription{conn: conn, now: w.now}, nil
}

type wsSubscription struct {
	conn *websocket.Conn
	now  func() time.Time
	once sync.Once
}

// Next skips acknowledgements and frames that are not transactions
func (s *wsSubscription) Next() (types.PendingTx, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return types.PendingTx{}, fmt.Errorf("websocket read: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}

		var frame feedFrame
		if err := sonnet.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			return types.PendingTx{}, fmt.Errorf("feed error: %s", frame.Error.Message)
		}
		if frame.Params == nil || frame.Params.Result.TxHash == (common.Hash{}) {
			continue
		}
		return s.toPending(frame.Params.Result), nil
	}
}

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.conn.Close() })
	return err
}

func (s *wsSubscription) toPending(f feedTx) types.PendingTx {
	c := f.TxContents
	return types.PendingTx{
		Hash:     f.TxHash,
		From:     c.From,
		To:       c.To,
		Value:    bigOrZero(c.Value),
		Data:     c.Input,
		GasPrice: bigOrZero(c.GasPrice),
		GasLimit: uint64(c.Gas),
		Nonce:    uint64(c.Nonce),
		SeenAt:   s.now(),
		Source:   "websocket",
	}
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}
