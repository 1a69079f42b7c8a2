package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookdebug/hookdebug/internal/identity"
	"github.com/hookdebug/hookdebug/internal/models"
)

func dialHub(t *testing.T, hub *Hub, owner models.Owner, allowed string) *websocket.Conn {
	t.Helper()
	authorize := func(_ context.Context, o models.Owner, endpointID string) bool {
		return o == owner && endpointID == allowed
	}
	h := NewWSHandler(hub, authorize, 16, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(identity.WithOwner(r.Context(), owner)))
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWS_JoinReceiveLeave(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	owner := models.AccountOwner("acc_1")
	conn := dialHub(t, hub, owner, "ep_1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join", "endpoint_id": "ep_1"}))
	joined := readMessage(t, conn)
	assert.Equal(t, "joined", joined.Type)
	assert.Equal(t, "ep_1", joined.EndpointID)

	hub.Publish(NewRequestEvent(models.Request{ID: "req_1", EndpointID: "ep_1", Method: "PUT", Timestamp: time.Now().UTC()}))
	ev := readMessage(t, conn)
	assert.Equal(t, string(KindNewRequest), ev.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "leave", "endpoint_id": "ep_1"}))
	assert.Equal(t, "left", readMessage(t, conn).Type)
}

func TestWS_JoinRequiresOwnership(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := dialHub(t, hub, models.AccountOwner("acc_1"), "ep_1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join", "endpoint_id": "ep_other"}))
	m := readMessage(t, conn)
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, "ep_other", m.EndpointID)

	_, rooms := hub.Stats()
	assert.Zero(t, rooms)
}

func TestWS_DisconnectUnregisters(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := dialHub(t, hub, models.AccountOwner("acc_1"), "ep_1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join", "endpoint_id": "ep_1"}))
	readMessage(t, conn)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		subs, rooms := hub.Stats()
		return subs == 0 && rooms == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWS_ClientFramesKeepOwnerAlive(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	owner := models.Anonymous(models.NewSessionToken())
	seen := make(chan models.Owner, 8)

	h := NewWSHandler(hub, func(context.Context, models.Owner, string) bool { return false }, 16, zerolog.Nop())
	h.SetKeepAlive(func(o models.Owner) {
		select {
		case seen <- o:
		default:
		}
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(identity.WithOwner(r.Context(), owner)))
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)

	select {
	case o := <-seen:
		assert.Equal(t, owner, o)
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive was not called for a client frame")
	}
}
