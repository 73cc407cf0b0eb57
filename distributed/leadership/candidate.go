package leadership

// Leadership callback.
//
// Invoked synchronously whenever the participant gains or loses leadership.
// Callbacks must return quickly; long running work belongs in a goroutine.
type LeadershipCallback func(isLeader bool)

// Candidate.
type Candidate interface {
	// Create a candidate node. Calling Register while a previous candidate
	// node is alive leaves the previous node orphaned.
	Register() error

	// Determine whether the candidate is the leader, watching the
	// immediate predecessor if it is not.
	DetermineLeadership() (Role, error)

	// Register if no candidate node is alive, then determine leadership.
	Campaign() (Role, error)

	// Re-run leadership determination after the predecessor went away.
	OnPredecessorRemoved()

	// Current role.
	Role() Role

	// Name of the live candidate node, or an empty string.
	Identity() string

	// Errors raised outside of direct calls, e.g. in watch callbacks.
	Errors() <-chan error

	// Closed once the candidate has left the election.
	Done() <-chan struct{}

	// Reason the candidate left the election. Nil after Close.
	Err() error

	// Leave the election.
	Close()
}
