package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connect opens a websocket to a server that registers it under userID.
func connect(t *testing.T, reg *WSRegistry, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(userID, conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return reg.Online(userID) }, time.Second, 5*time.Millisecond)
	return conn
}

func TestWSRegistryNotify(t *testing.T) {
	reg := NewWSRegistry()
	user := uuid.New()
	conn := connect(t, reg, user)

	ev := Event{Type: EventJoinRequested, RideID: uuid.New(), JoinID: uuid.New(), At: time.Date(2023, 12, 8, 2, 56, 0, 0, time.UTC)}
	require.NoError(t, reg.Notify(context.Background(), user, ev))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.RideID, got.RideID)
	assert.Equal(t, ev.JoinID, got.JoinID)

	assert.ErrorIs(t, reg.Notify(context.Background(), uuid.New(), ev), ErrNoSession)
}

func TestWSRegistryRemoveKeepsNewerSession(t *testing.T) {
	reg := NewWSRegistry()
	user := uuid.New()
	old := reg.Add(user, nil)
	reg.mu.Lock()
	newer := &WSSession{}
	reg.sessions[user] = newer
	reg.mu.Unlock()

	reg.Remove(user, old)
	assert.True(t, reg.Online(user))
	reg.Remove(user, newer)
	assert.False(t, reg.Online(user))
}

func TestPushDispatcherFallsBackToWebhook(t *testing.T) {
	var got pushPayload
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hook.Close()

	p := NewPushDispatcher(hook.URL, NewWSRegistry())
	user := uuid.New()
	ev := Event{Type: EventJoinAccepted, RideID: uuid.New()}
	require.NoError(t, p.Notify(context.Background(), user, ev))
	assert.Equal(t, user, got.UserID)
	assert.Equal(t, EventJoinAccepted, got.Event.Type)
	assert.Equal(t, ev.RideID, got.Event.RideID)
}

func TestPushDispatcherPrefersWebsocket(t *testing.T) {
	hits := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer hook.Close()

	reg := NewWSRegistry()
	user := uuid.New()
	conn := connect(t, reg, user)

	p := NewPushDispatcher(hook.URL, reg)
	require.NoError(t, p.Notify(context.Background(), user, Event{Type: EventMessage}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventMessage, got.Type)
	assert.Zero(t, hits)
}

func TestPushDispatcherErrors(t *testing.T) {
	p := NewPushDispatcher("", NewWSRegistry())
	assert.ErrorIs(t, p.Notify(context.Background(), uuid.New(), Event{}), ErrNoSession)

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hook.Close()
	p = NewPushDispatcher(hook.URL, nil)
	err := p.Notify(context.Background(), uuid.New(), Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), uuid.New(), Event{Type: EventProgress}))
}
