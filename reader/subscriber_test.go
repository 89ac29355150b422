package reader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/internal/channel"

	"github.com/gorilla/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		Reader: config.ReaderConfig{
			Timeout:           2 * time.Second,
			InactivityTimeout: 5 * time.Second,
			Backoff: config.BackoffConfig{
				MinDelay: 10 * time.Millisecond,
				MaxDelay: 50 * time.Millisecond,
				Factor:   2,
			},
			DialRatePerSecond: 1000,
			DialBurst:         1000,
		},
	}
}

type subscribeMsg struct {
	ID     int      `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// wsTestServer accepts connections, records subscribe requests per
// connection, serves one data frame and then drops the connection.
type wsTestServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu           sync.Mutex
	subsPerConn  [][]string
	maxConns     int
	dataPayload  string
	closedServer chan struct{}
}

func newWSTestServer(t *testing.T, maxConns int) (*wsTestServer, *httptest.Server) {
	s := &wsTestServer{
		t:            t,
		maxConns:     maxConns,
		dataPayload:  `{"type":"incremental","symbol":"BTCUSD"}`,
		closedServer: make(chan struct{}),
	}
	return s, httptest.NewServer(http.HandlerFunc(s.handle))
}

func (s *wsTestServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if len(s.subsPerConn) >= s.maxConns {
		s.mu.Unlock()
		http.Error(w, "done", http.StatusGone)
		return
	}
	idx := len(s.subsPerConn)
	s.subsPerConn = append(s.subsPerConn, nil)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Expect exactly two subscribes, then emit one data frame and hang up.
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		s.mu.Lock()
		s.subsPerConn[idx] = append(s.subsPerConn[idx], sub.Method)
		s.mu.Unlock()
	}

	conn.WriteMessage(websocket.TextMessage, []byte(s.dataPayload))
}

func (s *wsTestServer) connections() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.subsPerConn))
	for i, subs := range s.subsPerConn {
		out[i] = append([]string(nil), subs...)
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testSubscriptions() []Subscription {
	return []Subscription{
		{Channel: "trade", Message: subscribeMsg{ID: 1, Method: "trade.subscribe", Params: []string{"BTCUSD"}}},
		{Channel: "orderbook", Message: subscribeMsg{ID: 2, Method: "orderbook.subscribe", Params: []string{"BTCUSD"}}},
	}
}

func TestSubscriberResubscribesOncePerChannelAfterReconnect(t *testing.T) {
	server, srv := newWSTestServer(t, 2)
	defer srv.Close()

	raw := channel.NewChannels(16)
	sub := NewWebsocketSubscriber(testConfig(), "phemex", wsURL(srv), testSubscriptions(), nil, raw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sub.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// One data frame per connection lifetime; two lifetimes.
	for i := 0; i < 2; i++ {
		select {
		case msg := <-raw.Raw:
			if msg.Exchange != "phemex" {
				t.Fatalf("unexpected exchange %q", msg.Exchange)
			}
			var frame map[string]interface{}
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				t.Fatalf("raw payload not JSON: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for raw message %d", i)
		}
	}

	cancel()
	sub.Stop()

	conns := server.connections()
	if len(conns) < 2 {
		t.Fatalf("expected at least 2 connections, got %d", len(conns))
	}
	for i := 0; i < 2; i++ {
		if len(conns[i]) != 2 {
			t.Fatalf("connection %d: expected 2 subscribes, got %v", i, conns[i])
		}
		if conns[i][0] != "trade.subscribe" || conns[i][1] != "orderbook.subscribe" {
			t.Fatalf("connection %d: unexpected subscribe order %v", i, conns[i])
		}
	}
}

func TestSubscriberBackoffResetsAfterHealthyConnection(t *testing.T) {
	var mu sync.Mutex
	var dials []time.Time

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials = append(dials, time.Now())
		n := len(dials)
		mu.Unlock()

		// Three failed dials inflate the backoff, then one healthy
		// connection serves a frame and hangs up.
		if n != 4 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"incremental","symbol":"BTCUSD"}`))
		conn.Close()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Reader.Backoff = config.BackoffConfig{
		MinDelay: 10 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		Factor:   10,
	}

	raw := channel.NewChannels(16)
	sub := NewWebsocketSubscriber(cfg, "phemex", wsURL(srv), nil, nil, raw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sub.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(dials)
		mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for reconnects, saw %d dials", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	sub.Stop()

	mu.Lock()
	gap := dials[4].Sub(dials[3])
	mu.Unlock()

	// A healthy connection resets the backoff, so the reconnect after it
	// uses the minimum delay rather than the inflated one.
	if gap >= time.Second {
		t.Fatalf("reconnect after healthy connection took %v, backoff was not reset", gap)
	}
}

func TestSubscriberDoubleStartFails(t *testing.T) {
	raw := channel.NewChannels(1)
	sub := NewWebsocketSubscriber(testConfig(), "phemex", "ws://127.0.0.1:1", nil, nil, raw)

	ctx, cancel := context.WithCancel(context.Background())
	if err := sub.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sub.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}
	cancel()
	sub.Stop()
}

func TestSubscriberAckRejectionTriggersReconnect(t *testing.T) {
	var mu sync.Mutex
	conns := 0

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		if n > 2 {
			http.Error(w, "done", http.StatusGone)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"code":6001,"message":"invalid argument"}}`))
		// Keep the connection open; the client must drop it on rejection.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	}))
	defer srv.Close()

	ack := func(data []byte) (bool, error) {
		if strings.Contains(string(data), `"error"`) {
			return true, errors.New("exchange rejected subscribe")
		}
		return false, nil
	}

	raw := channel.NewChannels(1)
	subs := []Subscription{{Channel: "trade", Message: subscribeMsg{ID: 1, Method: "trade.subscribe", Params: []string{"BTCUSD"}}}}
	sub := NewWebsocketSubscriber(testConfig(), "phemex", wsURL(srv), subs, ack, raw)

	ctx, cancel := context.WithCancel(context.Background())
	if err := sub.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := conns
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected a reconnect after subscribe rejection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	sub.Stop()
}
