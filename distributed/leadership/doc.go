// Package leadership provides client-side leader election among equivalent
// peers through a coordination service.
//
// Each peer runs a Participant. A participant registers an ephemeral
// sequential candidate node under a shared namespace, and is the leader while
// its node carries the lowest sequence number. Followers watch only their
// immediate predecessor, so the removal of a candidate wakes exactly one
// peer.
package leadership
