// Package etcd implements the coordination service on etcd.
//
// Candidate nodes are keys attached to the lease of a concurrency session, so
// they disappear with the session. Sequence numbers are derived from the
// version of the namespace key, which every creation bumps in the same
// transaction that creates the candidate key.
//
// etcd has no notion of a disconnected session: the session lease is kept
// alive in the background until it expires. Only the connected and session
// expired states are reported.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nickbruun/election/distributed/coordination"
	log "github.com/nickbruun/election/logging"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultSessionTTL     = 10
	DefaultRequestTimeout = 5 * time.Second
)

var errClosed = errors.New("etcd service closed")

// etcd configuration.
type Config struct {
	Endpoints []string

	DialTimeout time.Duration

	// Session lease TTL in seconds.
	SessionTTL int

	// Timeout of individual requests.
	RequestTimeout time.Duration
}

// etcd coordination service.
type Service struct {
	cli *clientv3.Client
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Opens sessions; replaced in tests.
	openSession func() (*concurrency.Session, error)

	lock      sync.Mutex
	session   *concurrency.Session
	closed    bool
	callbacks []coordination.ConnectionStateCallback

	closeOnce sync.Once
}

var (
	_ coordination.Service    = (*Service)(nil)
	_ coordination.Namespaces = (*Service)(nil)
)

// Connect to an etcd cluster and open a session.
func Dial(cfg Config) (*Service, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("no etcd endpoints configured")
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		cli:    cli,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	s.openSession = s.newSession

	if s.session, err = s.openSession(); err != nil {
		cancel()
		cli.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	log.Infof("Established etcd session with lease %x", s.session.Lease())

	s.wg.Add(1)
	go s.monitor()

	return s, nil
}

func (s *Service) newSession() (*concurrency.Session, error) {
	return concurrency.NewSession(s.cli, concurrency.WithTTL(s.cfg.SessionTTL), concurrency.WithContext(s.ctx))
}

// Replace expired sessions until closed.
func (s *Service) monitor() {
	defer s.wg.Done()

	for {
		s.lock.Lock()
		sess := s.session
		s.lock.Unlock()

		select {
		case <-sess.Done():
		case <-s.ctx.Done():
			return
		}

		if s.isClosed() {
			return
		}

		// Candidate keys die with the lease, so the expiry is reported before
		// a replacement session exists.
		log.Warnf("etcd session lease %x expired", sess.Lease())
		s.notify(coordination.StateSessionExpired)

		var next *concurrency.Session
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0

		err := backoff.RetryNotify(func() error {
			if s.isClosed() {
				return backoff.Permanent(errClosed)
			}

			s.lock.Lock()
			open := s.openSession
			s.lock.Unlock()

			var err error
			next, err = open()
			return err
		}, backoff.WithContext(b, s.ctx), func(err error, d time.Duration) {
			log.Warnf("Failed to create etcd session, retrying in %s: %v", d, err)
		})

		if err != nil {
			return
		}

		s.lock.Lock()
		if s.closed {
			s.lock.Unlock()
			_ = next.Close()
			return
		}
		s.session = next
		s.lock.Unlock()

		log.Infof("Established etcd session with lease %x", next.Lease())

		s.notify(coordination.StateConnected)
	}
}

func (s *Service) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.closed
}

func (s *Service) notify(state coordination.ConnectionState) {
	s.lock.Lock()
	callbacks := make([]coordination.ConnectionStateCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.lock.Unlock()

	for _, cb := range callbacks {
		cb(state)
	}
}

func (s *Service) lease() clientv3.LeaseID {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.session.Lease()
}

func (s *Service) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
}

func (s *Service) CreateEphemeralSequential(parent, prefix string) (string, error) {
	parent = cleanKey(parent)
	lease := s.lease()

	ctx, cancel := s.requestContext()
	defer cancel()

	for {
		resp, err := s.cli.Get(ctx, parent)
		if err != nil {
			return "", translateError(parent, err)
		} else if len(resp.Kvs) == 0 {
			return "", fmt.Errorf("%s: %w", parent, coordination.ErrNoNamespace)
		}

		version := resp.Kvs[0].Version
		name := coordination.FormatSequenceName(prefix, int32(version-1))

		txn, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.Version(parent), "=", version)).
			Then(
				clientv3.OpPut(parent, "", clientv3.WithIgnoreValue()),
				clientv3.OpPut(parent+"/"+name, "", clientv3.WithLease(lease)),
			).
			Commit()
		if err != nil {
			return "", translateError(parent, err)
		} else if txn.Succeeded {
			return name, nil
		}

		log.Debugf("Sequence of %s moved past %d, retrying", parent, version)
	}
}

func (s *Service) ListChildren(parent string) ([]string, error) {
	parent = cleanKey(parent)

	ctx, cancel := s.requestContext()
	defer cancel()

	txn, err := s.cli.Txn(ctx).
		Then(
			clientv3.OpGet(parent, clientv3.WithKeysOnly()),
			clientv3.OpGet(parent+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly()),
		).
		Commit()
	if err != nil {
		return nil, translateError(parent, err)
	}

	if len(txn.Responses[0].GetResponseRange().Kvs) == 0 {
		return nil, fmt.Errorf("%s: %w", parent, coordination.ErrNoNamespace)
	}

	kvs := txn.Responses[1].GetResponseRange().Kvs
	children := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		if name, ok := childName(parent, string(kv.Key)); ok {
			children = append(children, name)
		}
	}

	return children, nil
}

func (s *Service) ExistsWithWatch(p string, cb coordination.WatchCallback) (bool, error) {
	key := cleanKey(p)

	ctx, cancel := s.requestContext()
	defer cancel()

	resp, err := s.cli.Get(ctx, key, clientv3.WithKeysOnly())
	if err != nil {
		return false, translateError(key, err)
	}

	wch := s.cli.Watch(s.ctx, key, clientv3.WithRev(resp.Header.Revision+1))

	go func() {
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				cb(coordination.WatchEvent{Type: coordination.EventWatchInvalidated, Path: key, Err: err})
				return
			}

			for _, ev := range wresp.Events {
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					cb(coordination.WatchEvent{Type: coordination.EventNodeDeleted, Path: key})
				case ev.IsCreate():
					cb(coordination.WatchEvent{Type: coordination.EventNodeCreated, Path: key})
				default:
					cb(coordination.WatchEvent{Type: coordination.EventNodeDataChanged, Path: key})
				}
				return
			}
		}

		cb(coordination.WatchEvent{Type: coordination.EventWatchInvalidated, Path: key, Err: errClosed})
	}()

	return len(resp.Kvs) > 0, nil
}

func (s *Service) OnConnectionStateChange(cb coordination.ConnectionStateCallback) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.callbacks = append(s.callbacks, cb)
}

// Create the namespace key and its ancestors if missing.
func (s *Service) EnsureNamespace(p string) error {
	key := cleanKey(p)

	ctx, cancel := s.requestContext()
	defer cancel()

	var keys []string
	for k := key; k != "/"; k = path.Dir(k) {
		keys = append([]string{k}, keys...)
	}

	for _, k := range keys {
		txn, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
			Then(clientv3.OpPut(k, "")).
			Commit()
		if err != nil {
			return translateError(k, err)
		}

		if txn.Succeeded {
			log.Debugf("Created key: %s", k)
		}
	}

	return nil
}

func (s *Service) AwaitNamespace(ctx context.Context, p string) error {
	key := cleanKey(p)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := s.cli.Get(ctx, key, clientv3.WithKeysOnly())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return translateError(key, err)
	} else if len(resp.Kvs) > 0 {
		return nil
	}

	log.Debugf("Key %s does not exist, awaiting creation", key)

	for wresp := range s.cli.Watch(ctx, key, clientv3.WithRev(resp.Header.Revision+1)) {
		if err := wresp.Err(); err != nil {
			return translateError(key, err)
		}

		for _, ev := range wresp.Events {
			if ev.Type == clientv3.EventTypePut {
				return nil
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return errClosed
}

// Close the service, revoking the session lease.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.closed = true
		sess := s.session
		s.lock.Unlock()

		if err := sess.Close(); err != nil {
			log.Warnf("Failed to revoke etcd session lease %x: %v", sess.Lease(), err)
		}

		s.cancel()
		s.wg.Wait()

		if err := s.cli.Close(); err != nil {
			log.Warnf("Failed to close etcd client: %v", err)
		}
	})
}

func cleanKey(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}

// Name of a direct child key of parent.
func childName(parent, key string) (string, bool) {
	name, ok := strings.CutPrefix(key, parent+"/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}

	return name, true
}

func translateError(p string, err error) error {
	for _, permanent := range []error{
		rpctypes.ErrPermissionDenied,
		rpctypes.ErrAuthFailed,
		rpctypes.ErrAuthNotEnabled,
		rpctypes.ErrInvalidAuthToken,
		rpctypes.ErrUserEmpty,
	} {
		if errors.Is(err, permanent) {
			return fmt.Errorf("%s: %w: %w", p, coordination.ErrPermanent, err)
		}
	}

	return fmt.Errorf("%s: %w", p, err)
}
