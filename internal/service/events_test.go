package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHub_PublishSubscribe(t *testing.T) {
	hub := NewEventHub()
	ch, unsubscribe := hub.Subscribe()
	assert.Equal(t, 1, hub.Subscribers())

	hub.Publish(Event{Kind: EventReceived, MessageID: 7, Sender: "alice"})

	select {
	case e := <-ch:
		assert.Equal(t, EventReceived, e.Kind)
		assert.Equal(t, int64(7), e.MessageID)
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Subscribers())
	_, ok := <-ch
	assert.False(t, ok, "channel closed on unsubscribe")
}

func TestEventHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := NewEventHub()
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	for i := 0; i < hub.buffer*2; i++ {
		hub.Publish(Event{Kind: EventDelivered, MessageID: int64(i)})
	}
	assert.Len(t, ch, hub.buffer)

	first := <-ch
	require.Equal(t, int64(0), first.MessageID)
}

func TestEventHub_NilHub(t *testing.T) {
	var hub *EventHub
	assert.NotPanics(t, func() { hub.Publish(Event{Kind: EventFailed}) })
}
