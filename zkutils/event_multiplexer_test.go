package zkutils

import (
	"testing"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ec <-chan zk.Event) zk.Event {
	t.Helper()

	select {
	case ev, ok := <-ec:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		require.Fail(t, "no event received")
		return zk.Event{}
	}
}

func TestEventMultiplexer(t *testing.T) {
	in := make(chan zk.Event)
	m := NewEventMultiplexer(in)

	a := m.Subscribe()
	b := m.Subscribe()

	in <- zk.Event{Type: zk.EventSession, State: zk.StateHasSession}
	in <- zk.Event{Type: zk.EventSession, State: zk.StateDisconnected}

	for _, ec := range []<-chan zk.Event{a, b} {
		assert.Equal(t, zk.StateHasSession, receive(t, ec).State)
		assert.Equal(t, zk.StateDisconnected, receive(t, ec).State)
	}

	close(in)

	for _, ec := range []<-chan zk.Event{a, b} {
		select {
		case _, ok := <-ec:
			assert.False(t, ok)
		case <-time.After(time.Second):
			require.Fail(t, "subscriber channel not closed")
		}
	}
}

func TestEventMultiplexerSlowSubscriber(t *testing.T) {
	in := make(chan zk.Event)
	m := NewEventMultiplexer(in)

	slow := m.Subscribe()
	fast := m.Subscribe()

	for i := 0; i < eventMultiplexerSubscriberBuffer+1; i++ {
		in <- zk.Event{Type: zk.EventSession, State: zk.StateHasSession}
		receive(t, fast)
	}

	assert.Len(t, slow, eventMultiplexerSubscriberBuffer)

	// The slow subscriber stays subscribed.
	<-slow
	in <- zk.Event{Type: zk.EventSession, State: zk.StateExpired}
	assert.Equal(t, zk.StateExpired, receive(t, fast).State)

	var last zk.Event
	for len(slow) > 0 {
		last = <-slow
	}
	assert.Equal(t, zk.StateExpired, last.State)
}
