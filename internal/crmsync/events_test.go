package crmsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterFiltersByWorkspace(t *testing.T) {
	b := NewBroadcaster()
	one, cancelOne := b.Subscribe("ws_1", 4)
	defer cancelOne()
	all, cancelAll := b.Subscribe("", 4)
	defer cancelAll()

	b.Publish(Event{Kind: EventQueue, WorkspaceID: "ws_1", Status: "synced"})
	b.Publish(Event{Kind: EventQueue, WorkspaceID: "ws_2", Status: "synced"})

	got := <-one
	assert.Equal(t, "ws_1", got.WorkspaceID)
	assert.False(t, got.At.IsZero())
	assert.Len(t, one, 0)
	assert.Len(t, all, 2)
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("", 1)
	b.Publish(Event{Status: "first"})
	b.Publish(Event{Status: "second"})
	assert.Equal(t, "first", (<-ch).Status)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcasterCloseEndsSubscriptions(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("ws_1", 1)
	b.Close()
	_, open := <-ch
	assert.False(t, open)
	cancel()

	late, _ := b.Subscribe("ws_1", 1)
	_, open = <-late
	require.False(t, open)

	var nilBroadcaster *Broadcaster
	nilBroadcaster.Publish(Event{})
}
