// Package memory provides an in-process coordination service.
//
// A Cluster holds the node tree; each Client is one session against it.
// Sessions can be disconnected, reconnected and expired at will, and
// failures can be injected per operation, which makes the package suitable
// for exercising election participants without an external service.
package memory

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/nickbruun/election/distributed/coordination"
)

// Operation, for fault injection.
type Op string

const (
	OpCreate Op = "create"
	OpList   Op = "list"
	OpExists Op = "exists"
)

type node struct {
	name  string
	owner *Client
}

type watch struct {
	client *Client
	cb     coordination.WatchCallback
}

// In-memory cluster.
type Cluster struct {
	lock sync.Mutex

	// Persistent namespace nodes.
	namespaces map[string]bool

	// Candidate nodes by parent, in creation order.
	children map[string][]*node

	// Next sequence number by parent.
	seq map[string]int32

	// Watches by path.
	watches map[string][]*watch

	// Assign the same sequence number to every node.
	repeatSequence bool

	// Notified whenever the tree changes.
	changed chan struct{}
}

// Cluster option.
type Option func(*Cluster)

// Assign every created node the same sequence number, violating unique
// sequential naming.
func WithRepeatedSequence() Option {
	return func(c *Cluster) {
		c.repeatSequence = true
	}
}

// New cluster. Only the root namespace exists.
func NewCluster(opts ...Option) *Cluster {
	c := &Cluster{
		namespaces: map[string]bool{"/": true},
		children:   make(map[string][]*node),
		seq:        make(map[string]int32),
		watches:    make(map[string][]*watch),
		changed:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func clean(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}

// Create a namespace and any missing parents.
func (c *Cluster) CreateNamespace(p string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.createNamespace(clean(p))
}

func (c *Cluster) createNamespace(p string) {
	for ; !c.namespaces[p]; p = path.Dir(p) {
		c.namespaces[p] = true
	}

	c.broadcast()
}

// Names of the live children of a namespace.
func (c *Cluster) Children(parent string) []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.childNames(clean(parent))
}

// Delete a candidate node, firing watches on it.
//
// Returns false if the node does not exist.
func (c *Cluster) Delete(p string) bool {
	p = clean(p)
	parent, name := path.Split(p)
	parent = clean(parent)

	c.lock.Lock()

	nodes := c.children[parent]
	for i, n := range nodes {
		if n.name == name {
			c.children[parent] = append(nodes[:i:i], nodes[i+1:]...)
			fire := c.takeWatches(p)
			c.broadcast()
			c.lock.Unlock()

			fire.deliver(coordination.WatchEvent{Type: coordination.EventNodeDeleted, Path: p})
			return true
		}
	}

	c.lock.Unlock()
	return false
}

// Number of armed watches on a path.
func (c *Cluster) WatchCount(p string) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.watches[clean(p)])
}

// Number of armed watches on a path held by a client.
func (c *Cluster) ClientWatchCount(cl *Client, p string) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	count := 0
	for _, w := range c.watches[clean(p)] {
		if w.client == cl {
			count++
		}
	}

	return count
}

// Total number of armed watches held by a client.
func (c *Cluster) TotalClientWatchCount(cl *Client) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	count := 0
	for _, ws := range c.watches {
		for _, w := range ws {
			if w.client == cl {
				count++
			}
		}
	}

	return count
}

// Wait until cond holds or the context is done. Cond is evaluated with the
// cluster locked and must not call back into the cluster.
func (c *Cluster) waitFor(ctx context.Context, cond func() bool) error {
	for {
		c.lock.Lock()
		if cond() {
			c.lock.Unlock()
			return nil
		}
		changed := c.changed
		c.lock.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wake waiters. Requires the lock.
func (c *Cluster) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Requires the lock.
func (c *Cluster) childNames(parent string) []string {
	nodes := c.children[parent]
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.name
	}

	return names
}

// Remove and return the watches on a path. Requires the lock.
func (c *Cluster) takeWatches(p string) watches {
	ws := c.watches[p]
	delete(c.watches, p)
	return ws
}

// Remove every node and watch owned by a client. Requires the lock.
//
// Returns the watches of other clients triggered by the removals, and the
// client's own watches, which are invalidated.
func (c *Cluster) dropSession(cl *Client) (map[string]watches, watches) {
	triggered := make(map[string]watches)

	for parent, nodes := range c.children {
		kept := nodes[:0:0]
		for _, n := range nodes {
			if n.owner == cl {
				p := path.Join(parent, n.name)
				triggered[p] = append(triggered[p], c.takeWatches(p)...)
			} else {
				kept = append(kept, n)
			}
		}
		c.children[parent] = kept
	}

	var own watches
	for p, ws := range c.watches {
		kept := ws[:0:0]
		for _, w := range ws {
			if w.client == cl {
				own = append(own, w)
			} else {
				kept = append(kept, w)
			}
		}

		if len(kept) == 0 {
			delete(c.watches, p)
		} else {
			c.watches[p] = kept
		}
	}

	for p, ws := range triggered {
		kept := ws[:0:0]
		for _, w := range ws {
			if w.client != cl {
				kept = append(kept, w)
			} else {
				own = append(own, w)
			}
		}
		triggered[p] = kept
	}

	c.broadcast()

	return triggered, own
}

type watches []*watch

// Fire each watch on its own goroutine.
func (ws watches) deliver(ev coordination.WatchEvent) {
	for _, w := range ws {
		go w.cb(ev)
	}
}

// Client session.
type Client struct {
	cluster *Cluster

	lock      sync.Mutex
	state     coordination.ConnectionState
	closed    bool
	failures  map[Op][]error
	callbacks []coordination.ConnectionStateCallback

	events *eventQueue
}

var (
	_ coordination.Service    = (*Client)(nil)
	_ coordination.Namespaces = (*Client)(nil)
)

// Connect a new client session.
func (c *Cluster) Connect() *Client {
	cl := &Client{
		cluster:  c,
		state:    coordination.StateConnected,
		failures: make(map[Op][]error),
		events:   newEventQueue(),
	}

	return cl
}

// Cluster the client is connected to.
func (cl *Client) Cluster() *Cluster {
	return cl.cluster
}

// Make the next call of an operation fail with err.
func (cl *Client) FailNext(op Op, err error) {
	cl.lock.Lock()
	defer cl.lock.Unlock()

	cl.failures[op] = append(cl.failures[op], err)
}

// Check the client is usable for op.
func (cl *Client) check(op Op) error {
	cl.lock.Lock()
	defer cl.lock.Unlock()

	if cl.closed {
		return fmt.Errorf("%s: connection closed", op)
	}

	if errs := cl.failures[op]; len(errs) > 0 {
		cl.failures[op] = errs[1:]
		return errs[0]
	}

	if cl.state != coordination.StateConnected {
		return fmt.Errorf("%s: not connected (%s)", op, cl.state)
	}

	return nil
}

func (cl *Client) CreateEphemeralSequential(parent, prefix string) (string, error) {
	if err := cl.check(OpCreate); err != nil {
		return "", err
	}

	parent = clean(parent)
	c := cl.cluster

	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.namespaces[parent] {
		return "", fmt.Errorf("%s: %w", parent, coordination.ErrNoNamespace)
	}

	seq := c.seq[parent]
	if !c.repeatSequence {
		c.seq[parent] = seq + 1
	}

	name := coordination.FormatSequenceName(prefix, seq)
	c.children[parent] = append(c.children[parent], &node{name: name, owner: cl})
	c.broadcast()

	return name, nil
}

func (cl *Client) ListChildren(parent string) ([]string, error) {
	if err := cl.check(OpList); err != nil {
		return nil, err
	}

	parent = clean(parent)
	c := cl.cluster

	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.namespaces[parent] {
		return nil, fmt.Errorf("%s: %w", parent, coordination.ErrNoNamespace)
	}

	return c.childNames(parent), nil
}

func (cl *Client) ExistsWithWatch(p string, cb coordination.WatchCallback) (bool, error) {
	if err := cl.check(OpExists); err != nil {
		return false, err
	}

	p = clean(p)
	parent, name := path.Split(p)
	parent = clean(parent)
	c := cl.cluster

	c.lock.Lock()
	defer c.lock.Unlock()

	exists := c.namespaces[p]
	for _, n := range c.children[parent] {
		if n.name == name {
			exists = true
			break
		}
	}

	c.watches[p] = append(c.watches[p], &watch{client: cl, cb: cb})

	return exists, nil
}

func (cl *Client) OnConnectionStateChange(cb coordination.ConnectionStateCallback) {
	cl.lock.Lock()
	defer cl.lock.Unlock()

	cl.callbacks = append(cl.callbacks, cb)
}

func (cl *Client) EnsureNamespace(p string) error {
	if err := cl.check(OpCreate); err != nil {
		return err
	}

	cl.cluster.CreateNamespace(p)

	return nil
}

func (cl *Client) AwaitNamespace(ctx context.Context, p string) error {
	p = clean(p)
	c := cl.cluster

	return c.waitFor(ctx, func() bool {
		return c.namespaces[p]
	})
}

// Simulate a transient loss of connectivity. Nodes and watches survive.
func (cl *Client) Disconnect() {
	cl.setState(coordination.StateDisconnected)
}

// Restore connectivity after Disconnect.
func (cl *Client) Reconnect() {
	cl.setState(coordination.StateConnected)
}

// Expire the session.
//
// Removes the nodes of the client, firing watches of other clients on them,
// and invalidates the watches of the client once the expiry has been
// notified. The client then reconnects with a fresh session, as ZooKeeper
// clients do.
func (cl *Client) Expire() {
	c := cl.cluster

	c.lock.Lock()
	triggered, own := c.dropSession(cl)
	c.lock.Unlock()

	for p, ws := range triggered {
		ws.deliver(coordination.WatchEvent{Type: coordination.EventNodeDeleted, Path: p})
	}

	cl.lock.Lock()
	cl.state = coordination.StateConnected
	cl.lock.Unlock()

	cl.notify(coordination.StateSessionExpired)
	cl.events.push(func() {
		own.deliver(coordination.WatchEvent{
			Type: coordination.EventWatchInvalidated,
			Err:  fmt.Errorf("session expired"),
		})
	})
	cl.notify(coordination.StateConnected)
}

// Close the client, ending its session without notifying it.
func (cl *Client) Close() error {
	cl.lock.Lock()
	if cl.closed {
		cl.lock.Unlock()
		return nil
	}
	cl.closed = true
	cl.lock.Unlock()

	c := cl.cluster

	c.lock.Lock()
	triggered, _ := c.dropSession(cl)
	c.lock.Unlock()

	for p, ws := range triggered {
		ws.deliver(coordination.WatchEvent{Type: coordination.EventNodeDeleted, Path: p})
	}

	cl.events.close()

	return nil
}

func (cl *Client) setState(state coordination.ConnectionState) {
	cl.lock.Lock()
	cl.state = state
	cl.lock.Unlock()

	cl.notify(state)
}

// Queue a connection state notification.
func (cl *Client) notify(state coordination.ConnectionState) {
	cl.lock.Lock()
	callbacks := make([]coordination.ConnectionStateCallback, len(cl.callbacks))
	copy(callbacks, cl.callbacks)
	cl.lock.Unlock()

	cl.events.push(func() {
		for _, cb := range callbacks {
			cb(state)
		}
	})
}

// Ordered, unbounded queue of notifications delivered on a single goroutine.
type eventQueue struct {
	lock    sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{wake: make(chan struct{}, 1)}
	go q.run()
	return q
}

func (q *eventQueue) push(fn func()) {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.lock.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for range q.wake {
		for {
			q.lock.Lock()
			if len(q.pending) == 0 {
				closed := q.closed
				q.lock.Unlock()

				if closed {
					return
				}
				break
			}
			fn := q.pending[0]
			q.pending = q.pending[1:]
			q.lock.Unlock()

			fn()
		}
	}
}
