package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventStreamBroadcast 测试事件广播到观察者
func TestEventStreamBroadcast(t *testing.T) {
	es := NewEventStream(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go es.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(es.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var welcome LogMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "events", welcome.Module)

	require.Eventually(t, func() bool { return es.Observers() == 1 }, 2*time.Second, 10*time.Millisecond)

	es.LogWarning("coordinator", "S1", "alert raised")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got LogMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "WARNING", got.Level)
	assert.Equal(t, "S1", got.SessionID)
	assert.Equal(t, "alert raised", got.Message)

	cancel()
	require.Eventually(t, func() bool { return es.Observers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestNilEventStream 测试未启用时的调用安全
func TestNilEventStream(t *testing.T) {
	var es *EventStream
	assert.NotPanics(t, func() {
		es.LogInfo("coordinator", "S1", "ignored")
		es.LogError("coordinator", "", "ignored")
	})
	assert.Zero(t, es.Observers())
}
