package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFrame(t *testing.T) {
	stream, data, err := splitFrame([]byte(`{"stream":"btcusdt@aggTrade","data":{"p":"1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "btcusdt@aggTrade", stream)
	assert.JSONEq(t, `{"p":"1"}`, string(data))

	stream, data, err = splitFrame([]byte(`{"e":"ORDER_TRADE_UPDATE"}`))
	require.NoError(t, err)
	assert.Empty(t, stream)
	assert.JSONEq(t, `{"e":"ORDER_TRADE_UPDATE"}`, string(data))

	_, _, err = splitFrame([]byte(`{not json`))
	assert.Error(t, err)
}

func TestCombinedStreamURL(t *testing.T) {
	assert.Equal(t, "wss://x/stream?streams=a@aggTrade/b@bookTicker",
		CombinedStreamURL("wss://x", []string{"a@aggTrade", "b@bookTicker"}))
}

func TestStreamerSurvivesBadFramesAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := connections.Add(1)

		frames := []string{
			`garbage`,
			`{"stream":"s@panic","data":{}}`,
			`{"stream":"s@fail","data":{}}`,
			`{"stream":"s@ok","data":{"n":1}}`,
		}
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		if n == 1 {
			// Drop the first connection to force a reconnect.
			return
		}
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	got := make(chan string, 16)
	handler := func(ctx context.Context, stream string, data []byte) error {
		switch stream {
		case "s@panic":
			panic("handler bug")
		case "s@fail":
			return errors.New("handler failed")
		}
		got <- stream
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStreamer(StreamConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 20 * time.Millisecond,
	}, handler, quietLogger())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case stream := <-got:
			assert.Equal(t, "s@ok", stream)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	assert.GreaterOrEqual(t, connections.Load(), int32(2))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("streamer did not stop")
	}
}

func TestStreamerStopsWhileFlooded(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"s@ok","data":{}}`)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		var frames atomic.Int32
		handler := func(ctx context.Context, stream string, data []byte) error {
			frames.Add(1)
			return nil
		}
		s := NewStreamer(StreamConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, handler, quietLogger())

		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()
		require.Eventually(t, func() bool { return frames.Load() > 0 }, 5*time.Second, time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("cycle %d: streamer did not stop", i)
		}
	}
}
