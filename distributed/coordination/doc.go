// Package coordination defines the narrow contract through which election
// participants use a coordination service.
//
// A coordination service provides hierarchical nodes, atomic sequential
// naming, ephemeral node lifetime bound to a client session and one-shot
// change notifications. Implementations live in the sub-packages zookeeper,
// etcd and memory.
package coordination
