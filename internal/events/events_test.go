package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawkridge/athena/types"
)

func TestHub_Subscribe_ReceivesPublishedEvent(t *testing.T) {
	h := NewHub(time.Second, nil)

	ch, cancel := h.Subscribe(StreamEventRecorded)
	defer cancel()

	h.PublishEventRecorded(EventRecorded{ID: "evt-1", ProjectScope: "p"})

	select {
	case data := <-ch:
		var msg message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, StreamEventRecorded, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestHub_Subscribe_OnlyMatchingStreamReceives(t *testing.T) {
	h := NewHub(time.Second, nil)

	recorded, cancelRecorded := h.Subscribe(StreamEventRecorded)
	defer cancelRecorded()
	completed, cancelCompleted := h.Subscribe(StreamTaskCompleted)
	defer cancelCompleted()

	h.PublishTaskCompleted(TaskCompleted{ID: "task-1", Status: types.TaskCompleted})

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task-completed subscriber")
	}

	select {
	case <-recorded:
		t.Fatal("event-recorded subscriber should not see a task-completed publish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_Cancel_StopsFurtherDelivery(t *testing.T) {
	h := NewHub(time.Second, nil)

	ch, cancel := h.Subscribe(StreamConsolidationFinished)
	cancel()

	h.PublishConsolidationFinished(ConsolidationFinished{RunID: "run-1"})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
}

func TestHub_Publish_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	h := NewHub(time.Second, nil)

	_, cancel := h.Subscribe(StreamEventRecorded)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			h.PublishEventRecorded(EventRecorded{ID: types.ID("evt")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel instead of dropping")
	}
}

func TestHub_Publish_NilHubIsSafe(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() {
		h.PublishEventRecorded(EventRecorded{ID: "evt-1"})
		h.PublishTaskCompleted(TaskCompleted{ID: "task-1"})
		h.PublishConsolidationFinished(ConsolidationFinished{RunID: "run-1"})
	})
}

func TestHub_HandleConnection_WebsocketRoundTrip(t *testing.T) {
	h := NewHub(time.Second, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.HandleConnection(r.Context(), ws)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer client.Close(websocket.StatusNormalClosure, "")

	sub, err := json.Marshal(clientMessage{Action: "subscribe", Stream: StreamEventRecorded})
	require.NoError(t, err)
	require.NoError(t, client.Write(ctx, websocket.MessageText, sub))

	// Give the server's read loop a moment to process the subscribe
	// before publishing, since there's no ack message in this protocol.
	time.Sleep(50 * time.Millisecond)

	h.PublishEventRecorded(EventRecorded{ID: "evt-1", ProjectScope: "p"})

	_, data, err := client.Read(ctx)
	require.NoError(t, err)

	var msg message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, StreamEventRecorded, msg.Type)
}
