package leadership

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Role of a participant.
type Role string

const (
	// No live candidate node.
	RoleUnregistered Role = "unregistered"

	// Candidate node registered, leadership not yet determined.
	RoleRegistered Role = "registered"

	// Not the leader; watching the immediate predecessor.
	RoleFollower Role = "follower"

	// Owner of the lowest candidate node.
	RoleLeader Role = "leader"

	// Left the election for good.
	RoleExited Role = "exited"
)

const (
	eventRegister = "register"
	eventEvaluate = "evaluate"
	eventElect    = "elect"
	eventFollow   = "follow"
	eventDiscard  = "discard"
	eventExit     = "exit"
)

var roleEvents = fsm.Events{
	{Name: eventRegister, Src: []string{string(RoleUnregistered), string(RoleRegistered), string(RoleFollower), string(RoleLeader)}, Dst: string(RoleRegistered)},
	{Name: eventEvaluate, Src: []string{string(RoleRegistered), string(RoleFollower), string(RoleLeader)}, Dst: string(RoleRegistered)},
	{Name: eventElect, Src: []string{string(RoleRegistered)}, Dst: string(RoleLeader)},
	{Name: eventFollow, Src: []string{string(RoleRegistered)}, Dst: string(RoleFollower)},
	{Name: eventDiscard, Src: []string{string(RoleRegistered), string(RoleFollower), string(RoleLeader)}, Dst: string(RoleUnregistered)},
	{Name: eventExit, Src: []string{string(RoleUnregistered), string(RoleRegistered), string(RoleFollower), string(RoleLeader)}, Dst: string(RoleExited)},
}

// Role state machine.
//
// Guards the transitions a participant may take:
//
//	UNREGISTERED --register--> REGISTERED
//	REGISTERED   --elect-----> LEADER
//	REGISTERED   --follow----> FOLLOWER
//	FOLLOWER     --evaluate--> REGISTERED
//	any          --discard---> UNREGISTERED
//	any          --exit------> EXITED
//
// Not safe for concurrent use.
type roleMachine struct {
	fsm *fsm.FSM
}

func newRoleMachine() *roleMachine {
	return &roleMachine{
		fsm: fsm.NewFSM(string(RoleUnregistered), roleEvents, fsm.Callbacks{}),
	}
}

func (m *roleMachine) Current() Role {
	return Role(m.fsm.Current())
}

// Fire an event. Returns the previous role.
//
// A legal event that leaves the role unchanged, such as registering again
// while registered, is not an error.
func (m *roleMachine) Fire(event string) (Role, error) {
	prev := m.Current()

	var noTransition fsm.NoTransitionError
	if err := m.fsm.Event(context.Background(), event); err != nil && !errors.As(err, &noTransition) {
		return prev, err
	}

	return prev, nil
}
