package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/marketplace-live/internal/pkg/credentials"
	"github.com/keboola/marketplace-live/internal/pkg/log"
)

func TestChannel_Websocket(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	authorization := make(chan string, 1)
	received := make(chan string, 10)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Wait for the join, then push an update to the room
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		update := `{"event":"realtime_update","data":{"type":"application","projectId":"42","data":{"applicationsCount":3}}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(update)); err != nil {
			return
		}

		for {
			if _, msg, err = conn.ReadMessage(); err != nil {
				return
			}
			received <- string(msg)
		}
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	d := &testDeps{clock: clockwork.NewRealClock(), logger: log.NewDebugLogger(), credentials: credentials.Static("secret")}
	channel := New(cfg, d)

	events := make(chan Event, 1)
	channel.Subscribe("42", func(event Event) {
		events <- event
	})

	channel.Connect(ctx)
	require.True(t, channel.IsConnected())
	assert.Equal(t, "Bearer secret", <-authorization)

	require.NoError(t, channel.JoinProject(ctx, "42"))
	assert.Equal(t, `{"event":"join_project","data":{"projectId":"42"}}`, <-received)

	select {
	case event := <-events:
		assert.Equal(t, EventRealtimeUpdate, event.Name)
		assert.Equal(t, EventTypeApplication, event.Type)
		assert.Equal(t, ID("42"), event.ProjectID)
		assert.JSONEq(t, `{"applicationsCount":3}`, string(event.Data))
	case <-ctx.Done():
		t.Fatal("timeout")
	}

	require.NoError(t, channel.SendEvent(ctx, "typing", nil))
	assert.Equal(t, `{"event":"typing"}`, <-received)

	channel.Disconnect()
	channel.Wait()
}

func TestWebsocketDialer_Error(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewWebsocketDialer(time.Second).Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed with http code 401")
}

func TestChannel_Websocket_ClosedAfterHandshake(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		_ = conn.Close()
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	d := &testDeps{clock: clockwork.NewRealClock(), logger: log.NewDebugLogger(), credentials: credentials.Static("")}
	channel := New(cfg, d)
	defer channel.Wait()
	defer channel.Disconnect()

	recorder := &stateRecorder{}
	channel.SubscribeToConnectionStatus(func(state ConnectionState) {
		if state == Connected {
			time.Sleep(50 * time.Millisecond)
		}
		recorder.Record(state)
	})

	channel.Connect(context.Background())

	expected := []ConnectionState{Disconnected, Connecting, Connected, Disconnected}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, recorder.States())
	}, waitTimeout, waitTick)
	assert.Equal(t, Disconnected, channel.State())
}
