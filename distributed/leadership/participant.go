package leadership

import (
	"errors"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nickbruun/election/distributed/coordination"
	log "github.com/nickbruun/election/logging"
	"github.com/nickbruun/election/metrics"
)

const (
	// Default election namespace.
	DefaultNamespace = "/election"

	// Default candidate node name prefix.
	DefaultPrefix = "c_"

	defaultErrorBuffer = 16
)

// Participant configuration.
type Config struct {
	// Path under which candidate nodes are created. Must exist.
	Namespace string

	// Candidate node name prefix.
	Prefix string

	// Identifier used in logs and metrics. A random one is generated if
	// empty.
	NodeID string

	// Register again after a session expiry instead of leaving the
	// election.
	RejoinOnExpiry bool

	// Capacity of the asynchronous error channel.
	ErrorBuffer int
}

// Predecessor watch.
type watch struct {
	epoch  uint64
	target string
}

// Election participant.
//
// Election rounds (registration and leadership determination) are serialized,
// so at most one determination is in flight. State shared with the
// notification callbacks is guarded separately, so connection state changes
// are never blocked by a round waiting on the coordination service.
type Participant struct {
	svc coordination.Service
	cfg Config

	// Serializes election rounds.
	electLock sync.Mutex

	// Guards the fields below.
	lock      sync.Mutex
	role      *roleMachine
	identity  string
	gen       uint64
	epoch     uint64
	watch     *watch
	connState coordination.ConnectionState
	exitErr   error

	callbacksLock sync.Mutex
	callbacks     []LeadershipCallback

	errs chan error
	done chan struct{}
}

var _ Candidate = (*Participant)(nil)

// New participant.
//
// Subscribes to connection state changes of the service. The participant is
// unregistered until Register or Campaign is called.
func NewParticipant(svc coordination.Service, cfg Config) *Participant {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	cfg.Namespace = "/" + strings.Trim(cfg.Namespace, "/")

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = defaultErrorBuffer
	}

	p := &Participant{
		svc:       svc,
		cfg:       cfg,
		role:      newRoleMachine(),
		connState: coordination.StateConnected,
		errs:      make(chan error, cfg.ErrorBuffer),
		done:      make(chan struct{}),
	}

	metrics.LeaderStatus.WithLabelValues(cfg.Namespace, cfg.NodeID).Set(0)
	metrics.ActiveWatches.WithLabelValues(cfg.Namespace, cfg.NodeID).Set(0)

	svc.OnConnectionStateChange(p.handleConnectionState)

	return p
}

func (p *Participant) Register() error {
	p.electLock.Lock()
	defer p.electLock.Unlock()

	return p.register()
}

func (p *Participant) DetermineLeadership() (Role, error) {
	p.electLock.Lock()
	defer p.electLock.Unlock()

	return p.determine()
}

func (p *Participant) Campaign() (Role, error) {
	p.electLock.Lock()
	defer p.electLock.Unlock()

	p.lock.Lock()
	registered := p.identity != ""
	p.lock.Unlock()

	if !registered {
		if err := p.register(); err != nil {
			return p.Role(), err
		}
	}

	return p.determine()
}

// Re-run leadership determination.
//
// Safe to invoke any number of times: a determination that finds the
// predecessor unchanged keeps the watch already armed on it. Failures are
// delivered on Errors.
func (p *Participant) OnPredecessorRemoved() {
	p.electLock.Lock()
	defer p.electLock.Unlock()

	p.lock.Lock()
	identity := p.identity
	exited := p.role.Current() == RoleExited
	p.lock.Unlock()

	if exited || identity == "" {
		log.Debug("Not registered, skipping leadership determination")
		return
	}

	if _, err := p.determine(); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrExited) {
		p.report(err)
	}
}

// Register a leadership callback.
func (p *Participant) OnLeadershipChange(cb LeadershipCallback) {
	p.callbacksLock.Lock()
	defer p.callbacksLock.Unlock()

	p.callbacks = append(p.callbacks, cb)
}

func (p *Participant) Role() Role {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.role.Current()
}

func (p *Participant) IsLeader() bool {
	return p.Role() == RoleLeader
}

func (p *Participant) Identity() string {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.identity
}

// Name of the watched predecessor, or an empty string if no watch is held.
func (p *Participant) Predecessor() string {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.watch == nil {
		return ""
	}

	return p.watch.target
}

// Last connection state reported by the service.
func (p *Participant) ConnectionState() coordination.ConnectionState {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.connState
}

func (p *Participant) Errors() <-chan error {
	return p.errs
}

func (p *Participant) Done() <-chan struct{} {
	return p.done
}

func (p *Participant) Err() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.exitErr
}

func (p *Participant) Close() {
	p.exit(nil)
}

// Create the candidate node. Requires the election lock.
func (p *Participant) register() error {
	p.lock.Lock()
	exited := p.role.Current() == RoleExited
	p.lock.Unlock()

	if exited {
		return ErrExited
	}

	name, err := p.svc.CreateEphemeralSequential(p.cfg.Namespace, p.cfg.Prefix)
	if err != nil {
		err = &RegistrationError{Namespace: p.cfg.Namespace, Err: err}
		p.countError(err)
		return err
	}

	p.lock.Lock()

	if p.role.Current() == RoleExited {
		p.lock.Unlock()
		return ErrExited
	}

	if p.identity != "" {
		log.Warnf("Registered again while %s is alive, leaving it orphaned", p.nodePath(p.identity))
	}

	p.identity = name
	p.gen++
	p.dropWatch()
	changed := p.fire(eventRegister)

	p.lock.Unlock()

	metrics.Registrations.WithLabelValues(p.cfg.Namespace, p.cfg.NodeID).Inc()
	log.Infof("Created candidate node %s", p.nodePath(name))

	p.notify(changed)

	return nil
}

// Determine leadership. Requires the election lock.
func (p *Participant) determine() (Role, error) {
	for {
		p.lock.Lock()
		role, identity, gen := p.role.Current(), p.identity, p.gen
		p.lock.Unlock()

		if role == RoleExited {
			return role, ErrExited
		} else if identity == "" {
			return role, ErrNotRegistered
		}

		children, err := p.svc.ListChildren(p.cfg.Namespace)
		if err != nil {
			return p.fail(&CoordinationError{Op: "list", Path: p.cfg.Namespace, Err: err})
		}

		nodes := coordination.ParseSequenceNodes(children, p.cfg.Prefix)
		coordination.SortSequenceNodes(nodes)

		if i := coordination.FindDuplicateSequence(nodes); i >= 0 {
			err := &InvariantError{
				First:          nodes[i].Name,
				Second:         nodes[i+1].Name,
				SequenceNumber: nodes[i].SequenceNumber,
			}
			p.countError(err)
			p.exit(err)
			return RoleExited, err
		}

		idx := -1
		for i, n := range nodes {
			if n.Name == identity {
				idx = i
				break
			}
		}

		p.lock.Lock()

		if p.gen != gen {
			role = p.role.Current()
			p.lock.Unlock()
			return role, ErrSuperseded
		}

		if idx == -1 {
			p.identity = ""
			p.dropWatch()
			changed := p.fire(eventDiscard)
			p.lock.Unlock()

			p.notify(changed)
			p.outcome("stale")
			log.Warnf("Candidate node %s has gone away", p.nodePath(identity))

			return p.fail(&StaleIdentityError{Identity: identity})
		}

		if idx == 0 {
			p.dropWatch()
			changed := p.settle(RoleLeader)
			p.lock.Unlock()

			p.notify(changed)
			p.outcome("leader")
			log.Infof("I am the leader (%s)", identity)

			return RoleLeader, nil
		}

		predecessor := nodes[idx-1].Name

		if p.watch != nil && p.watch.target == predecessor {
			changed := p.settle(RoleFollower)
			p.lock.Unlock()

			p.notify(changed)
			p.outcome("follower")
			log.Debugf("I am not the leader, still watching %s", p.nodePath(predecessor))

			return RoleFollower, nil
		}

		p.dropWatch()
		p.epoch++
		w := &watch{epoch: p.epoch, target: predecessor}
		p.watch = w
		p.setWatchGauge()

		p.lock.Unlock()

		exists, err := p.svc.ExistsWithWatch(p.nodePath(predecessor), func(ev coordination.WatchEvent) {
			p.predecessorChanged(w.epoch, ev)
		})

		if err != nil || !exists {
			p.lock.Lock()
			if p.watch == w {
				p.dropWatch()
			}
			p.lock.Unlock()

			if err != nil {
				return p.fail(&CoordinationError{Op: "watch", Path: p.nodePath(predecessor), Err: err})
			}

			log.Debugf("Predecessor %s vanished, re-evaluating", p.nodePath(predecessor))
			continue
		}

		p.lock.Lock()

		if p.gen != gen {
			role = p.role.Current()
			p.lock.Unlock()
			return role, ErrSuperseded
		}

		changed := p.settle(RoleFollower)
		p.lock.Unlock()

		p.notify(changed)
		p.outcome("follower")
		log.Infof("I am not the leader, watching %s", p.nodePath(predecessor))

		return RoleFollower, nil
	}
}

// Handle a notification for the watch armed in the given epoch.
func (p *Participant) predecessorChanged(epoch uint64, ev coordination.WatchEvent) {
	p.lock.Lock()

	if p.watch == nil || p.watch.epoch != epoch {
		p.lock.Unlock()
		log.Debugf("Ignoring %s notification for superseded watch on %s", ev.Type, ev.Path)
		return
	}

	p.watch = nil
	p.setWatchGauge()
	p.fire(eventEvaluate)

	p.lock.Unlock()

	log.Infof("Predecessor %s %s, re-evaluating leadership", ev.Path, ev.Type)

	p.OnPredecessorRemoved()
}

// Handle a connection state transition.
func (p *Participant) handleConnectionState(state coordination.ConnectionState) {
	p.lock.Lock()

	p.connState = state
	metrics.ConnectionState.WithLabelValues(p.cfg.Namespace, p.cfg.NodeID).Set(float64(state))

	role := p.role.Current()

	switch state {
	case coordination.StateConnected:
		p.lock.Unlock()
		log.Info("Successfully connected to coordination service")
		return

	case coordination.StateDisconnected:
		p.lock.Unlock()
		log.Warnf("Disconnected from coordination service, keeping candidacy as %s", role)
		return
	}

	if role == RoleExited {
		p.lock.Unlock()
		return
	}

	lost := p.identity
	p.identity = ""
	p.gen++
	p.dropWatch()

	var changed leadershipChange
	if role != RoleUnregistered {
		changed = p.fire(eventDiscard)
	}

	p.lock.Unlock()

	p.notify(changed)

	if lost != "" {
		log.Warnf("Session expired, candidate node %s is gone", p.nodePath(lost))
	} else {
		log.Warn("Session expired")
	}

	if p.cfg.RejoinOnExpiry {
		// Without a lost identity there is no candidacy to restore; the
		// next Campaign registers.
		if lost != "" {
			go p.rejoin()
		}
	} else {
		p.exit(ErrSessionExpired)
	}
}

func (p *Participant) rejoin() {
	log.Info("Rejoining election")

	if _, err := p.Campaign(); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrExited) {
		p.report(err)
	}
}

// Leave the election.
func (p *Participant) exit(err error) {
	p.lock.Lock()

	if p.role.Current() == RoleExited {
		p.lock.Unlock()
		return
	}

	p.exitErr = err
	p.identity = ""
	p.gen++
	p.dropWatch()
	changed := p.fire(eventExit)
	close(p.done)

	p.lock.Unlock()

	p.notify(changed)

	if err != nil {
		log.Errorf("Left election: %v", err)
	} else {
		log.Info("Left election")
	}
}

// Outcome of a role transition, captured under the lock.
type leadershipChange struct {
	changed bool
	leader  bool
}

// Move from the current role to a determined one without passing through
// intermediate leadership changes. Requires the lock.
func (p *Participant) settle(result Role) leadershipChange {
	cur := p.role.Current()
	if cur == result {
		return leadershipChange{leader: cur == RoleLeader}
	}

	var evaluated leadershipChange
	if cur != RoleRegistered {
		evaluated = p.fire(eventEvaluate)
	}

	event := eventFollow
	if result == RoleLeader {
		event = eventElect
	}

	settled := p.fire(event)
	settled.changed = settled.changed != evaluated.changed

	return settled
}

// Fire a role event. Requires the lock.
func (p *Participant) fire(event string) leadershipChange {
	prev, err := p.role.Fire(event)
	if err != nil {
		log.Errorf("Illegal role transition: %v", err)
		return leadershipChange{leader: prev == RoleLeader}
	}

	cur := p.role.Current()
	metrics.RoleTransitions.WithLabelValues(p.cfg.Namespace, p.cfg.NodeID, string(cur)).Inc()

	c := leadershipChange{
		changed: (prev == RoleLeader) != (cur == RoleLeader),
		leader:  cur == RoleLeader,
	}

	if c.changed {
		leader := 0.0
		if c.leader {
			leader = 1
		}
		metrics.LeaderStatus.WithLabelValues(p.cfg.Namespace, p.cfg.NodeID).Set(leader)
	}

	return c
}

// Forget the current watch; a later notification for it is ignored.
// Requires the lock.
func (p *Participant) dropWatch() {
	p.watch = nil
	p.epoch++
	p.setWatchGauge()
}

func (p *Participant) setWatchGauge() {
	watches := 0.0
	if p.watch != nil {
		watches = 1
	}
	metrics.ActiveWatches.WithLabelValues(p.cfg.Namespace, p.cfg.NodeID).Set(watches)
}

// Invoke leadership callbacks with the leadership recorded by the
// transition, if it changed.
func (p *Participant) notify(c leadershipChange) {
	if !c.changed {
		return
	}

	isLeader := c.leader

	p.callbacksLock.Lock()
	callbacks := make([]LeadershipCallback, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.callbacksLock.Unlock()

	for _, cb := range callbacks {
		cb(isLeader)
	}
}

func (p *Participant) fail(err error) (Role, error) {
	p.countError(err)
	return p.Role(), err
}

func (p *Participant) countError(err error) {
	metrics.Errors.WithLabelValues(p.cfg.Namespace, p.cfg.NodeID, errorKind(err)).Inc()
}

func (p *Participant) outcome(outcome string) {
	metrics.Determinations.WithLabelValues(p.cfg.Namespace, p.cfg.NodeID, outcome).Inc()
}

// Deliver an asynchronous error.
func (p *Participant) report(err error) {
	select {
	case p.errs <- err:
	default:
		log.Errorf("Error channel full, dropping error: %v", err)
	}
}

func (p *Participant) nodePath(name string) string {
	return path.Join(p.cfg.Namespace, name)
}
