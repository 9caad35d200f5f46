package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversOnlyToRoomSubscribers(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe("a")
	defer a.Close()
	b := hub.Subscribe("b")
	defer b.Close()

	hub.Publish(Event{Type: MessageCreated, RoomID: "a", MessageID: "m1"})

	select {
	case ev := <-a.Events():
		assert.Equal(t, MessageCreated, ev.Type)
		assert.Equal(t, "m1", ev.MessageID)
		assert.False(t, ev.At.IsZero())
	default:
		t.Fatal("expected event for room a")
	}
	assert.Empty(t, b.Events())
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe("r")
	defer sub.Close()

	hub.Publish(Event{Type: MessageUpdated, RoomID: "r", Data: "a"})
	hub.Publish(Event{Type: MessageUpdated, RoomID: "r", Data: "b"})

	ev := <-sub.Events()
	assert.Equal(t, "a", ev.Data)
	assert.Empty(t, sub.Events())
}

func TestHubWaitsForSlowSubscriberOnDeltas(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe("r")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, d := range []string{"a", "b", "c"} {
			hub.Publish(Event{Type: MessageContent, RoomID: "r", Data: d})
		}
	}()

	var got []any
	for len(got) < 3 {
		time.Sleep(10 * time.Millisecond)
		got = append(got, (<-sub.Events()).Data)
	}
	<-done
	assert.Equal(t, []any{"a", "b", "c"}, got)
}

func TestHubGivesUpOnStalledDeltaSubscriber(t *testing.T) {
	hub := NewHub(1)
	hub.deltaWait = 20 * time.Millisecond
	sub := hub.Subscribe("r")
	defer sub.Close()

	start := time.Now()
	hub.Publish(Event{Type: MessageSummary, RoomID: "r", Data: "a"})
	hub.Publish(Event{Type: MessageSummary, RoomID: "r", Data: "b"})
	assert.GreaterOrEqual(t, time.Since(start), hub.deltaWait)

	ev := <-sub.Events()
	assert.Equal(t, "a", ev.Data)
	assert.Empty(t, sub.Events())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe("r")
	sub.Close()
	sub.Close()

	_, open := <-sub.Events()
	require.False(t, open)
	hub.Publish(Event{Type: RoomRenamed, RoomID: "r"})
}
