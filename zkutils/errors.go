package zkutils

import (
	"errors"

	"github.com/samuel/go-zookeeper/zk"
)

// Test if a ZooKeeper error is recoverable.
//
// Takes a conservative approach, and only considers authentication failures
// etc. as unrecoverable.
func IsErrorRecoverable(err error) bool {
	for _, unrecoverable := range []error{
		zk.ErrNoAuth,
		zk.ErrNoChildrenForEphemerals,
		zk.ErrNotEmpty,
		zk.ErrInvalidACL,
		zk.ErrAuthFailed,
	} {
		if errors.Is(err, unrecoverable) {
			return false
		}
	}

	return true
}
