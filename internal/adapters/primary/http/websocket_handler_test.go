package http

import (
	"context"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsAdapter "github.com/dattmumas/lnked-realtime/internal/adapters/primary/websocket"
	"github.com/dattmumas/lnked-realtime/internal/auth"
	"github.com/dattmumas/lnked-realtime/internal/config"
	"github.com/dattmumas/lnked-realtime/internal/core/mocks"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

func newWebSocketServer(t *testing.T, env string, origins []string) (*httptest.Server, *auth.TokenManager, *wsAdapter.Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := auth.NewTokenManager("ws-secret-ws-secret-ws-secret-ws", time.Hour, "", clock.Real())

	hub := wsAdapter.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	cfg := &config.Config{
		App: config.AppConfig{Environment: env},
		WebSocket: config.WebSocketConfig{
			AllowedOrigins:  origins,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	handler := NewWebSocketHandler(hub, tm, mocks.NewMockRealtimeService(), cfg, logger)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, tm, hub
}

func wsURL(srv *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func TestWebSocketHandler_RejectsMissingOrInvalidToken(t *testing.T) {
	srv, _, _ := newWebSocketServer(t, "development", nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "garbage"), nil)
	require.Error(t, err)
	assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketHandler_AttachesSession(t *testing.T) {
	srv, tm, hub := newWebSocketServer(t, "development", nil)
	token, _, err := tm.GenerateToken("user-1", "member")
	require.NoError(t, err)

	dialer := websocket.Dialer{Subprotocols: []string{wsAdapter.SubprotocolJSON}}
	conn, resp, err := dialer.Dial(wsURL(srv, token), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, wsAdapter.SubprotocolJSON, resp.Header.Get("Sec-WebSocket-Protocol"))

	require.Eventually(t, func() bool { return hub.IsUserConnected("user-1") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(wsAdapter.ClientMessage{Type: wsAdapter.MsgPing, Ref: "r1"}))
	var frame wsAdapter.ServerFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, wsAdapter.FramePong, frame.Type)
	assert.Equal(t, "r1", frame.Ref)
}

func TestWebSocketHandler_OriginCheck(t *testing.T) {
	srv, tm, _ := newWebSocketServer(t, "production", []string{"*.lnked.test"})
	token, _, err := tm.GenerateToken("user-1", "member")
	require.NoError(t, err)

	header := stdhttp.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, token), header)
	require.Error(t, err)
	assert.Equal(t, stdhttp.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.lnked.test")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token), header)
	require.NoError(t, err)
	_ = conn.Close()
}
