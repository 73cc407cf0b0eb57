package coordination

import (
	"context"
	"errors"
)

// ErrPermanent marks errors the coordination service reports as
// unrecoverable, such as authentication failures or invalid ACLs.
var ErrPermanent = errors.New("unrecoverable coordination service error")

// ErrNoNamespace is returned when a parent path does not exist.
var ErrNoNamespace = errors.New("namespace does not exist")

// Connection state.
type ConnectionState int

const (
	// The session is usable.
	StateConnected ConnectionState = iota

	// The link to the service is down. The session, and any ephemeral
	// node created under it, may still be alive.
	StateDisconnected

	// The session is gone along with its ephemeral nodes and watches.
	StateSessionExpired
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

// Watch event type.
type WatchEventType int

const (
	// The watched node was deleted.
	EventNodeDeleted WatchEventType = iota

	// The data of the watched node changed.
	EventNodeDataChanged

	// The watched node was created.
	EventNodeCreated

	// The service dropped the watch, e.g. because the session ended.
	EventWatchInvalidated
)

func (t WatchEventType) String() string {
	switch t {
	case EventNodeDeleted:
		return "deleted"
	case EventNodeDataChanged:
		return "data_changed"
	case EventNodeCreated:
		return "created"
	case EventWatchInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Watch event.
type WatchEvent struct {
	Type WatchEventType
	Path string
	Err  error
}

// Watch callback. Invoked at most once per armed watch.
type WatchCallback func(ev WatchEvent)

// Connection state callback.
type ConnectionStateCallback func(state ConnectionState)

// Service is the contract an election participant relies on.
type Service interface {
	// Create an ephemeral node under parent whose name is prefix followed
	// by a sequence number assigned atomically by the service. Returns the
	// name of the node relative to parent. Fails with ErrNoNamespace if
	// parent does not exist.
	CreateEphemeralSequential(parent, prefix string) (string, error)

	// List the names of all live children of parent.
	ListChildren(parent string) ([]string, error)

	// Test whether path exists and, regardless of the outcome, arm a
	// one-shot watch that fires on the next deletion or data change of
	// path.
	ExistsWithWatch(path string, cb WatchCallback) (bool, error)

	// Register a callback for connection state transitions for the
	// lifetime of the connection.
	OnConnectionStateChange(cb ConnectionStateCallback)
}

// Namespaces prepares election namespaces. Implemented by all backends but
// not required by participants.
type Namespaces interface {
	// Create path, and any missing parents, if it does not exist.
	EnsureNamespace(path string) error

	// Block until path exists or the context is done.
	AwaitNamespace(ctx context.Context, path string) error
}
