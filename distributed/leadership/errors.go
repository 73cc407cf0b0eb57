package leadership

import (
	"errors"
	"fmt"
)

var (
	// Leadership was determined before a candidate node was registered.
	ErrNotRegistered = errors.New("participant is not registered")

	// The participant has left the election.
	ErrExited = errors.New("participant has exited the election")

	// The identity of a determination in flight was invalidated by a
	// session expiry. The result of the determination was discarded.
	ErrSuperseded = errors.New("election round superseded")

	// The session expired and the participant does not rejoin.
	ErrSessionExpired = errors.New("coordination service session expired")
)

// Registration error.
//
// Creating the candidate node failed, e.g. because the namespace does not
// exist or the connection is not usable.
type RegistrationError struct {
	Namespace string
	Err       error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register candidate under %s: %v", e.Namespace, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Coordination error.
//
// Listing candidates or arming a watch failed.
type CoordinationError struct {
	Op   string
	Path string
	Err  error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination %s of %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}

// Stale identity error.
//
// The candidate node of the participant is missing from the candidate set
// although no session expiry was observed. The participant must register
// again.
type StaleIdentityError struct {
	Identity string
}

func (e *StaleIdentityError) Error() string {
	return fmt.Sprintf("candidate %s is no longer registered", e.Identity)
}

// Invariant error.
//
// Two candidates share a sequence number. The coordination service does not
// honour unique sequential naming and the participant cannot continue.
type InvariantError struct {
	First          string
	Second         string
	SequenceNumber int32
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("candidates %s and %s share sequence number %d", e.First, e.Second, e.SequenceNumber)
}

// Error kind, used as a metric label.
func errorKind(err error) string {
	var (
		regErr   *RegistrationError
		coordErr *CoordinationError
		staleErr *StaleIdentityError
		invErr   *InvariantError
	)

	switch {
	case errors.As(err, &regErr):
		return "registration"
	case errors.As(err, &coordErr):
		return "coordination"
	case errors.As(err, &staleErr):
		return "stale_identity"
	case errors.As(err, &invErr):
		return "invariant"
	default:
		return "other"
	}
}
