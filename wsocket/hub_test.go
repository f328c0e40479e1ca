package wsocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func startTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(nil)
	srv := httptest.NewServer(h.echo)
	t.Cleanup(srv.Close)
	return h, strings.TrimPrefix(srv.URL, "http://")
}

func dialPeer(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPingPong(t *testing.T) {
	_, addr := startTestHub(t)
	conn := dialPeer(t, addr)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "pong", string(payload))
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	h, addr := startTestHub(t)
	a := dialPeer(t, addr)
	b := dialPeer(t, addr)

	require.Eventually(t, func() bool { return h.PeerCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"event":"x"}`)))

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		require.JSONEq(t, `{"event":"x"}`, string(payload))
	}
}

func TestHealthReportsPeerCount(t *testing.T) {
	h, addr := startTestHub(t)
	dialPeer(t, addr)
	require.Eventually(t, func() bool { return h.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		OK    bool `json:"ok"`
		Peers int  `json:"peers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.OK)
	require.Equal(t, 1, body.Peers)
}

func TestPublishReachesSubscribers(t *testing.T) {
	h, addr := startTestHub(t)
	sub := dialPeer(t, addr)
	require.Eventually(t, func() bool { return h.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, Publish(addr, map[string]string{"event": "economy_update"}))

	require.NoError(t, sub.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := sub.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"economy_update"}`, string(payload))
}

func TestDeadPeerRemovedOnBroadcast(t *testing.T) {
	h, addr := startTestHub(t)
	a := dialPeer(t, addr)
	b := dialPeer(t, addr)
	require.Eventually(t, func() bool { return h.PeerCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())

	// The hub notices the closed peer either on its read loop or during
	// the next broadcast; either way the peer set shrinks.
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("update")))
	require.Eventually(t, func() bool { return h.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
