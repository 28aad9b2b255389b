package liveserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wholesale_backend/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestFeed(t *testing.T, cfg Config) (*Server, *Hub, string) {
	t.Helper()
	h := NewHub(logging.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	s := NewServer(h, logging.NewNopLogger(), cfg)
	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return s, h, wsURL
}

func dial(t *testing.T, wsURL, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func TestRejectsUnlistedOrigin(t *testing.T) {
	_, _, wsURL := newTestFeed(t, Config{AllowedOrigins: []string{"http://ops.example.com"}})

	_, _, err := dial(t, wsURL, "http://evil.example.com")
	require.Error(t, err)

	_, _, err = dial(t, wsURL, "")
	require.Error(t, err)
}

func TestWildcardOriginRejectedInProduction(t *testing.T) {
	_, _, wsURL := newTestFeed(t, Config{
		AllowedOrigins: []string{"*"},
		Production:     true,
	})

	_, _, err := dial(t, wsURL, "http://anything.example.com")
	require.Error(t, err)
}

func TestConnectedClientReceivesPublishedEvents(t *testing.T) {
	_, h, wsURL := newTestFeed(t, Config{AllowedOrigins: []string{"http://ops.example.com"}})

	conn, _, err := dial(t, wsURL, "http://ops.example.com")
	require.NoError(t, err)
	defer conn.Close()

	waitForClients(t, h, 1)
	h.Publish(TypeRecoveryAction, map[string]string{"order_id": "o1", "action": "REASSIGN_VENDOR"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, TypeRecoveryAction, msg.Type)

	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "o1", data["order_id"])
}

func TestConnectionCapReturnsServerBusy(t *testing.T) {
	_, h, wsURL := newTestFeed(t, Config{
		AllowedOrigins: []string{"http://ops.example.com"},
		MaxConnections: 1,
		RatePerSecond:  100,
		RateBurst:      100,
	})

	first, _, err := dial(t, wsURL, "http://ops.example.com")
	require.NoError(t, err)
	defer first.Close()
	waitForClients(t, h, 1)

	_, resp, err := dial(t, wsURL, "http://ops.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPerIPRateLimit(t *testing.T) {
	_, _, wsURL := newTestFeed(t, Config{
		AllowedOrigins: []string{"http://ops.example.com"},
		MaxConnections: 10,
		RatePerSecond:  0.001,
		RateBurst:      1,
	})

	conn, _, err := dial(t, wsURL, "http://ops.example.com")
	require.NoError(t, err)
	defer conn.Close()

	_, resp, err := dial(t, wsURL, "http://ops.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
