package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nickbruun/election/distributed/coordination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Records notifications delivered to callbacks.
type recorder struct {
	lock   sync.Mutex
	states []coordination.ConnectionState
	events []coordination.WatchEvent
}

func (r *recorder) state(s coordination.ConnectionState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) watch(ev coordination.WatchEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) States() []coordination.ConnectionState {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]coordination.ConnectionState(nil), r.states...)
}

func (r *recorder) Events() []coordination.WatchEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]coordination.WatchEvent(nil), r.events...)
}

func TestCreateEphemeralSequential(t *testing.T) {
	c := NewCluster()
	c.CreateNamespace("/election")

	a, b := c.Connect(), c.Connect()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		for _, cl := range []*Client{a, b} {
			name, err := cl.CreateEphemeralSequential("/election", "c_")
			require.NoError(t, err)
			assert.False(t, seen[name], "duplicate name %s", name)
			seen[name] = true
		}
	}

	assert.Len(t, c.Children("/election"), 20)
	assert.Equal(t, "c_0000000000", c.Children("/election")[0])
	assert.Equal(t, "c_0000000019", c.Children("/election")[19])
}

func TestCreateEphemeralSequentialWithoutNamespace(t *testing.T) {
	cl := NewCluster().Connect()

	_, err := cl.CreateEphemeralSequential("/election", "c_")
	assert.ErrorIs(t, err, coordination.ErrNoNamespace)

	_, err = cl.ListChildren("/election")
	assert.ErrorIs(t, err, coordination.ErrNoNamespace)
}

func TestRepeatedSequence(t *testing.T) {
	c := NewCluster(WithRepeatedSequence())
	c.CreateNamespace("/election")

	a, err := c.Connect().CreateEphemeralSequential("/election", "c_")
	require.NoError(t, err)
	b, err := c.Connect().CreateEphemeralSequential("/election", "c_")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, c.Children("/election"), 2)
}

func TestWatchFiresOnceOnDelete(t *testing.T) {
	c := NewCluster()
	c.CreateNamespace("/election")
	cl := c.Connect()

	name, err := cl.CreateEphemeralSequential("/election", "c_")
	require.NoError(t, err)

	r := &recorder{}
	exists, err := cl.ExistsWithWatch("/election/"+name, r.watch)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, c.WatchCount("/election/"+name))

	assert.True(t, c.Delete("/election/"+name))
	assert.False(t, c.Delete("/election/"+name))

	require.Eventually(t, func() bool { return len(r.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, coordination.EventNodeDeleted, r.Events()[0].Type)
	assert.Equal(t, "/election/"+name, r.Events()[0].Path)
	assert.Equal(t, 0, c.WatchCount("/election/"+name))

	// Absent nodes can still be watched.
	exists, err = cl.ExistsWithWatch("/election/"+name, r.watch)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 1, c.ClientWatchCount(cl, "/election/"+name))
}

func TestExpire(t *testing.T) {
	c := NewCluster()
	c.CreateNamespace("/election")
	a, b := c.Connect(), c.Connect()

	ra, rb := &recorder{}, &recorder{}
	a.OnConnectionStateChange(ra.state)

	na, err := a.CreateEphemeralSequential("/election", "c_")
	require.NoError(t, err)
	nb, err := b.CreateEphemeralSequential("/election", "c_")
	require.NoError(t, err)

	// b watches a's node, a watches b's node.
	_, err = b.ExistsWithWatch("/election/"+na, rb.watch)
	require.NoError(t, err)
	_, err = a.ExistsWithWatch("/election/"+nb, ra.watch)
	require.NoError(t, err)

	a.Expire()

	assert.Equal(t, []string{nb}, c.Children("/election"))

	require.Eventually(t, func() bool { return len(rb.Events()) == 1 && len(ra.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, coordination.EventNodeDeleted, rb.Events()[0].Type)
	assert.Equal(t, coordination.EventWatchInvalidated, ra.Events()[0].Type)

	require.Eventually(t, func() bool { return len(ra.States()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []coordination.ConnectionState{
		coordination.StateSessionExpired,
		coordination.StateConnected,
	}, ra.States())

	// The client is usable again with a fresh session.
	_, err = a.CreateEphemeralSequential("/election", "c_")
	assert.NoError(t, err)
}

func TestDisconnect(t *testing.T) {
	c := NewCluster()
	c.CreateNamespace("/election")
	cl := c.Connect()

	r := &recorder{}
	cl.OnConnectionStateChange(r.state)

	_, err := cl.CreateEphemeralSequential("/election", "c_")
	require.NoError(t, err)

	cl.Disconnect()

	_, err = cl.ListChildren("/election")
	assert.Error(t, err)
	assert.Len(t, c.Children("/election"), 1)

	cl.Reconnect()

	children, err := cl.ListChildren("/election")
	require.NoError(t, err)
	assert.Len(t, children, 1)

	require.Eventually(t, func() bool { return len(r.States()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []coordination.ConnectionState{
		coordination.StateDisconnected,
		coordination.StateConnected,
	}, r.States())
}

func TestFailNext(t *testing.T) {
	c := NewCluster()
	c.CreateNamespace("/election")
	cl := c.Connect()

	boom := errors.New("boom")
	cl.FailNext(OpList, boom)

	_, err := cl.ListChildren("/election")
	assert.ErrorIs(t, err, boom)

	_, err = cl.ListChildren("/election")
	assert.NoError(t, err)
}

func TestClose(t *testing.T) {
	c := NewCluster()
	c.CreateNamespace("/election")
	cl := c.Connect()

	_, err := cl.CreateEphemeralSequential("/election", "c_")
	require.NoError(t, err)

	require.NoError(t, cl.Close())
	require.NoError(t, cl.Close())

	assert.Empty(t, c.Children("/election"))

	_, err = cl.ListChildren("/election")
	assert.Error(t, err)
}

func TestAwaitNamespace(t *testing.T) {
	c := NewCluster()
	cl := c.Connect()

	done := make(chan error, 1)
	go func() {
		done <- cl.AwaitNamespace(context.Background(), "/a/b")
	}()

	select {
	case err := <-done:
		require.Failf(t, "returned early", "%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, cl.EnsureNamespace("/a/b"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "namespace not observed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cl.AwaitNamespace(ctx, "/missing"), context.Canceled)
}
