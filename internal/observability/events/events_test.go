package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/testutil"
	"github.com/target/geojobs/internal/testutil/fakes"
)

func sampleEvent(kind model.JobEventKind, jobID string) model.JobEvent {
	return model.JobEvent{
		Kind:      kind,
		JobID:     jobID,
		JobType:   model.JobTypeBuffer,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestFanout(t *testing.T) {
	a, b := &fakes.EventRecorder{}, &fakes.EventRecorder{}
	f := Fanout{a, nil, b}
	f.Publish(context.Background(), sampleEvent(model.JobEventActive, "j1"))

	assert.Equal(t, []model.JobEventKind{model.JobEventActive}, a.Kinds("j1"))
	assert.Equal(t, []model.JobEventKind{model.JobEventActive}, b.Kinds("j1"))
}

func TestRedisPublisher(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()
	channel := "geojobs:test-events"

	sub := client.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPublisher(RedisPublisherOptions{Client: client, Channel: channel})
	evt := sampleEvent(model.JobEventCompleted, "j-redis")
	evt.Result = json.RawMessage(`{"ok":true}`)
	p.Publish(ctx, evt)

	select {
	case msg := <-sub.Channel():
		var got model.JobEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, evt.JobID, got.JobID)
		assert.Equal(t, model.JobEventCompleted, got.Kind)
		assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	case <-time.After(3 * time.Second):
		t.Fatal("event not received")
	}
}

func TestRedisPublisher_NilClientIsNoop(t *testing.T) {
	p := NewRedisPublisher(RedisPublisherOptions{Channel: "x"})
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), sampleEvent(model.JobEventWaiting, "j"))
	})
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) model.JobEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt model.JobEvent
	require.NoError(t, json.Unmarshal(msg, &evt))
	return evt
}

func TestHub_Streams(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	all := dialHub(t, srv, "")
	one := dialHub(t, srv, "?job_id=j2")
	waitForClients(t, hub, 2)

	ctx := context.Background()
	hub.Publish(ctx, sampleEvent(model.JobEventActive, "j1"))
	hub.Publish(ctx, sampleEvent(model.JobEventFailed, "j2"))

	assert.Equal(t, "j1", readEvent(t, all).JobID)
	assert.Equal(t, "j2", readEvent(t, all).JobID)

	got := readEvent(t, one)
	assert.Equal(t, "j2", got.JobID)
	assert.Equal(t, model.JobEventFailed, got.Kind)
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)
	require.NoError(t, conn.Close())
	waitForClients(t, hub, 0)

	assert.NotPanics(t, func() {
		hub.Publish(context.Background(), sampleEvent(model.JobEventWaiting, "j"))
	})
	hub.Close()
}
