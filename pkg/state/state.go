package state

import "github.com/amirimatin/go-raft/pkg/applier"

// Store is application state driven by committed commands that also serves
// local reads.
type Store interface {
	applier.StateMachine
	Get(key string) ([]byte, bool)
	Len() int
}
