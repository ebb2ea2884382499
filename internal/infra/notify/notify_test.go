package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"

	"github.com/go-redis/redismock/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dialHub(t *testing.T, hub *Hub, accountID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(accountID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Connections(accountID) == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHub_PushReachesConnectedAccount(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub, "acc-1")

	require.NoError(t, hub.PushBalanceUpdate(context.Background(), "acc-1", 6500))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got creditUpdate
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, EventCreditUpdate, got.Event)
	assert.Equal(t, int64(6500), got.Credits)
}

func TestHub_NoConnectionIsNotAnError(t *testing.T) {
	hub := NewHub(zap.NewNop())
	assert.NoError(t, hub.PushBalanceUpdate(context.Background(), "nobody", 1))
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub, "acc-2")

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Connections("acc-2") == 0 }, time.Second, 5*time.Millisecond)
}

func TestRedisBroadcaster_Publish(t *testing.T) {
	client, mock := redismock.NewClientMock()
	b := NewRedisBroadcaster(client, NewHub(zap.NewNop()), zap.NewNop())

	payload, _ := json.Marshal(domain.BalanceUpdate{AccountID: "acc-1", Credits: 42})
	mock.ExpectPublish(BalanceChannel, string(payload)).SetVal(1)

	require.NoError(t, b.PushBalanceUpdate(context.Background(), "acc-1", 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBroadcaster_DeliverToHub(t *testing.T) {
	client, _ := redismock.NewClientMock()
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub, "acc-3")
	b := NewRedisBroadcaster(client, hub, zap.NewNop())

	b.deliver(context.Background(), `{"account_id":"acc-3","credits":900}`)
	b.deliver(context.Background(), `not json`)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"credits":900`)
}

func TestBuildMessage(t *testing.T) {
	_, err := buildMessage("ledger@example.com", "user@example.com", "Low Credits Warning", "body")
	assert.NoError(t, err)

	_, err = buildMessage("ledger@example.com", "not an address", "s", "b")
	assert.Error(t, err)
}

func TestLogMailer(t *testing.T) {
	m := NewLogMailer(zap.NewNop())
	assert.NoError(t, m.SendEmail(context.Background(), "a@example.com", "subject", "body"))
}
