package stream

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
)

const txFrame = `{"jsonrpc":"2.0","method":"subscribe","params":{"subscription":"s1","result":{` +
	`"txHash":"0xabababababababababababababababababababababababababababababababab",` +
	`"txContents":{"from":"0x00000000000000000000000000000000000000f1",` +
	`"to":"0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D","value":"0xde0b6b3a7640000",` +
	`"input":"0x38ed1739","gasPrice":"0x3b9aca00","gas":"0x30d40","nonce":"0x5"}}}}`

func TestWSSource_DecodesFeed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "feed-key", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		var sub feedSubscribe
		assert.NoError(t, sonnet.Unmarshal(msg, &sub))
		assert.Equal(t, "subscribe", sub.Method)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"s1"}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(txFrame))

		// hold the connection until the client leaves
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	src := NewWSSource("ws"+strings.TrimPrefix(srv.URL, "http"), "feed-key")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := src.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	tx, err := sub.Next()
	require.NoError(t, err)

	assert.Equal(t, common.HexToHash("0xabababababababababababababababababababababababababababababababab"), tx.Hash)
	assert.Equal(t, common.HexToAddress("0xf1"), tx.From)
	require.NotNil(t, tx.To)
	assert.Equal(t, common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"), *tx.To)
	assert.Equal(t, big.NewInt(1e18), tx.Value)
	assert.Equal(t, []byte{0x38, 0xed, 0x17, 0x39}, tx.Data)
	assert.Equal(t, big.NewInt(1e9), tx.GasPrice)
	assert.Equal(t, uint64(200_000), tx.GasLimit)
	assert.Equal(t, uint64(5), tx.Nonce)
	assert.Equal(t, "websocket", tx.Source)
}

func TestWSSource_FeedError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"error":{"message":"not authorized"}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	src := NewWSSource("ws"+strings.TrimPrefix(srv.URL, "http"), "")
	sub, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestWSSource_DialFailure(t *testing.T) {
	src := NewWSSource("ws://127.0.0.1:1/feed", "")
	_, err := src.Subscribe(context.Background())
	assert.Error(t, err)
}
