package target

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTarget(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(opts, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMatchURL(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	return string(payload)
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestTarget(t, DefaultOptions())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_PushesResolvableMatchURL(t *testing.T) {
	srv, ts := newTestTarget(t, DefaultOptions())
	conn := dial(t, ts)

	matchURL := readMatchURL(t, conn)
	assert.True(t, strings.HasPrefix(matchURL, ts.URL+"/match/"), "got %s", matchURL)
	assert.Equal(t, 1, srv.MatchCount())

	resp, err := http.Get(matchURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body Match
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, strings.TrimPrefix(matchURL, ts.URL+"/match/"), body.ID)
	assert.Equal(t, 1, body.Players)
}

func TestServer_UnknownMatchIs404(t *testing.T) {
	_, ts := newTestTarget(t, DefaultOptions())

	resp, err := http.Get(ts.URL + "/match/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_PublicURLOverridesHost(t *testing.T) {
	opts := DefaultOptions()
	opts.PublicURL = "https://game.example.com/"
	_, ts := newTestTarget(t, opts)

	matchURL := readMatchURL(t, dial(t, ts))
	assert.True(t, strings.HasPrefix(matchURL, "https://game.example.com/match/"), "got %s", matchURL)
}

func TestServer_ClientCloseIsAcknowledged(t *testing.T) {
	_, ts := newTestTarget(t, DefaultOptions())
	conn := dial(t, ts)
	readMatchURL(t, conn)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestServer_PairingSharesOneMatch(t *testing.T) {
	opts := DefaultOptions()
	opts.Pairing = true
	srv, ts := newTestTarget(t, opts)

	first := dial(t, ts)

	// Nothing is pushed while the first player waits alone
	require.NoError(t, first.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, srv.MatchCount())

	// A timed-out read poisons the gorilla conn; use a fresh first player
	_ = first.Close()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.waiting == nil
	}, 2*time.Second, 5*time.Millisecond)
	first = dial(t, ts)

	second := dial(t, ts)
	urlA := readMatchURL(t, first)
	urlB := readMatchURL(t, second)

	assert.Equal(t, urlA, urlB)
	assert.Equal(t, 1, srv.MatchCount())

	match, ok := srv.Match(strings.TrimPrefix(urlA, ts.URL+"/match/"))
	require.True(t, ok)
	assert.Equal(t, 2, match.Players)
}

func TestServer_PairingWaiterLeaving(t *testing.T) {
	opts := DefaultOptions()
	opts.Pairing = true
	srv, _ := newTestTarget(t, opts)

	gone := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		_, ok := srv.pair(gone)
		result <- ok
	}()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.waiting != nil
	}, time.Second, 5*time.Millisecond)

	close(gone)
	assert.False(t, <-result)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Nil(t, srv.waiting)
	assert.Empty(t, srv.matches)
}

func TestServer_StartStopLifecycle(t *testing.T) {
	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.Port = 0
	srv := NewServer(opts, zerolog.Nop())

	assert.ErrorIs(t, srv.Stop(context.Background()), ErrServerNotRunning)

	require.NoError(t, srv.Start(context.Background()))
	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerAlreadyRunning)
	require.NotEmpty(t, srv.Addr())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	// Open sockets are told the server is going away
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerStopped)
}
