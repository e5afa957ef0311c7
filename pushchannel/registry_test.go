package pushchannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePublish_DeliversToMatchingKey(t *testing.T) {
	r := New(nil)
	events := r.Subscribe("proj-1", "user-1")

	r.Publish("proj-1", "user-1", Event{ProjectID: "proj-1", VersionID: "v1"})

	select {
	case ev := <-events:
		assert.Equal(t, "v1", ev.VersionID)
	case <-time.After(time.Second):
		t.Fatal("expected event, got none")
	}
}

func TestPublish_NoSubscriberIsNoOp(t *testing.T) {
	r := New(nil)
	assert.NotPanics(t, func() {
		r.Publish("proj-1", "user-1", Event{})
	})
}

func TestPublish_DifferentUserDoesNotReceive(t *testing.T) {
	r := New(nil)
	events := r.Subscribe("proj-1", "user-1")
	r.Publish("proj-1", "user-2", Event{VersionID: "v1"})

	select {
	case ev := <-events:
		t.Fatalf("unexpected event delivered to wrong subscriber: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	r := New(nil)
	events := r.Subscribe("proj-1", "user-1")
	r.Unsubscribe("proj-1", "user-1")

	_, ok := <-events
	assert.False(t, ok)
}

func TestPublish_FullBufferDropsAndUnsubscribes(t *testing.T) {
	r := New(nil)
	r.Subscribe("proj-1", "user-1")

	for i := 0; i < sinkBufferSize+5; i++ {
		r.Publish("proj-1", "user-1", Event{VersionID: "v"})
	}

	r.mu.Lock()
	_, stillSubscribed := r.subs[subscriberKey{ProjectID: "proj-1", UserID: "user-1"}]
	r.mu.Unlock()
	require.False(t, stillSubscribed, "subscriber should be dropped once its buffer fills")
}
