// Package zookeeper implements the coordination service on ZooKeeper.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/nickbruun/election/distributed/coordination"
	log "github.com/nickbruun/election/logging"
	"github.com/nickbruun/election/zkutils"
	"github.com/samuel/go-zookeeper/zk"
)

// Default session timeout.
const DefaultSessionTimeout = 3 * time.Second

// ZooKeeper configuration.
type Config struct {
	// Servers as host:port.
	Servers []string

	// Session timeout negotiated with the ensemble.
	SessionTimeout time.Duration

	// Create candidate nodes with protected names, prefixed by a GUID of
	// the session, so creations retried after a connection loss are not
	// duplicated.
	Protected bool

	// ACL of created nodes. Open to the world if nil.
	ACL []zk.ACL
}

// ZooKeeper coordination service.
type Service struct {
	cm        *zkutils.ConnMan
	acl       []zk.ACL
	protected bool

	lock      sync.Mutex
	state     coordination.ConnectionState
	callbacks []coordination.ConnectionStateCallback

	connected     chan struct{}
	connectedOnce sync.Once
	closeOnce     sync.Once
}

var (
	_ coordination.Service    = (*Service)(nil)
	_ coordination.Namespaces = (*Service)(nil)
)

// Connect to a ZooKeeper ensemble.
//
// Blocks until a session is established or the context is done.
func Dial(ctx context.Context, cfg Config) (*Service, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no ZooKeeper servers configured")
	}

	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}

	if cfg.ACL == nil {
		cfg.ACL = zk.WorldACL(zk.PermAll)
	}

	cm, err := zkutils.Connect(cfg.Servers, cfg.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ZooKeeper: %w", err)
	}

	s := &Service{
		cm:        cm,
		acl:       cfg.ACL,
		protected: cfg.Protected,
		state:     coordination.StateDisconnected,
		connected: make(chan struct{}),
	}

	events := cm.Subscribe()
	if cm.Conn.State() == zk.StateHasSession {
		s.transition(coordination.StateConnected)
	}

	go s.run(events)

	select {
	case <-s.connected:
		log.Infof("Established ZooKeeper session 0x%x", cm.Conn.SessionID())
		return s, nil

	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("failed to establish ZooKeeper session: %w", ctx.Err())
	}
}

// Translate session events into connection states.
func (s *Service) run(events <-chan zk.Event) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}

		switch ev.State {
		case zk.StateHasSession:
			s.transition(coordination.StateConnected)
		case zk.StateDisconnected:
			s.transition(coordination.StateDisconnected)
		case zk.StateExpired:
			s.transition(coordination.StateSessionExpired)
		}
	}

	log.Debug("ZooKeeper event channel closed")
}

func (s *Service) transition(state coordination.ConnectionState) {
	s.lock.Lock()

	if s.state == state {
		s.lock.Unlock()
		return
	}

	prev := s.state
	s.state = state

	callbacks := make([]coordination.ConnectionStateCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)

	s.lock.Unlock()

	if state == coordination.StateConnected {
		s.connectedOnce.Do(func() { close(s.connected) })
	}

	log.Debugf("ZooKeeper connection state %s -> %s", prev, state)

	for _, cb := range callbacks {
		cb(state)
	}
}

// Current connection state.
func (s *Service) State() coordination.ConnectionState {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state
}

func (s *Service) CreateEphemeralSequential(parent, prefix string) (string, error) {
	p := strings.TrimSuffix(parent, "/") + "/" + prefix

	var (
		created string
		err     error
	)

	if s.protected {
		created, err = s.cm.Conn.CreateProtectedEphemeralSequential(p, nil, s.acl)
	} else {
		created, err = s.cm.Conn.Create(p, nil, zk.FlagEphemeral|zk.FlagSequence, s.acl)
	}

	if err != nil {
		return "", translateError(parent, err)
	}

	return path.Base(created), nil
}

func (s *Service) ListChildren(parent string) ([]string, error) {
	children, _, err := s.cm.Conn.Children(parent)
	if err != nil {
		return nil, translateError(parent, err)
	}

	return children, nil
}

func (s *Service) ExistsWithWatch(p string, cb coordination.WatchCallback) (bool, error) {
	exists, _, ch, err := s.cm.Conn.ExistsW(p)
	if err != nil {
		return false, translateError(p, err)
	}

	go func() {
		ev, ok := <-ch
		if !ok {
			cb(coordination.WatchEvent{Type: coordination.EventWatchInvalidated, Path: p})
			return
		}

		cb(translateEvent(p, ev))
	}()

	return exists, nil
}

func (s *Service) OnConnectionStateChange(cb coordination.ConnectionStateCallback) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.callbacks = append(s.callbacks, cb)
}

func (s *Service) EnsureNamespace(p string) error {
	if err := zkutils.CreateRecursively(s.cm.Conn, p, s.acl); err != nil {
		return translateError(p, err)
	}

	return nil
}

func (s *Service) AwaitNamespace(ctx context.Context, p string) error {
	if err := <-zkutils.AwaitExists(ctx, s.cm.Conn, p); err != nil {
		if ctx.Err() != nil {
			return err
		}

		return translateError(p, err)
	}

	return nil
}

// Close the connection, ending the session.
func (s *Service) Close() {
	s.closeOnce.Do(s.cm.Close)
}

func translateError(p string, err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%s: %w", p, coordination.ErrNoNamespace)
	case !zkutils.IsErrorRecoverable(err):
		return fmt.Errorf("%s: %w: %w", p, coordination.ErrPermanent, err)
	default:
		return fmt.Errorf("%s: %w", p, err)
	}
}

func translateEvent(p string, ev zk.Event) coordination.WatchEvent {
	switch ev.Type {
	case zk.EventNodeDeleted:
		return coordination.WatchEvent{Type: coordination.EventNodeDeleted, Path: p}
	case zk.EventNodeDataChanged:
		return coordination.WatchEvent{Type: coordination.EventNodeDataChanged, Path: p}
	case zk.EventNodeCreated:
		return coordination.WatchEvent{Type: coordination.EventNodeCreated, Path: p}
	case zk.EventNotWatching:
		return coordination.WatchEvent{Type: coordination.EventWatchInvalidated, Path: p, Err: ev.Err}
	default:
		return coordination.WatchEvent{
			Type: coordination.EventWatchInvalidated,
			Path: p,
			Err:  fmt.Errorf("unexpected watch event %s", ev.Type),
		}
	}
}
