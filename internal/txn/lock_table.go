package txn

import (
	"sync"
	"time"

	"github.com/devrev/pairdb-core/internal/model"
)

// lockTable grants one exclusive lock per key. A transaction that
// already holds a key's lock can re-acquire it (re-entrant within one
// Txn); any other holder blocks the caller until release or LockWait
// elapses, at which point the caller treats it as a conflict and aborts
// rather than risk a deadlock with no cycle-detection in place.
type lockTable struct {
	mu     sync.Mutex
	owners map[model.Key]string
	waiter map[model.Key][]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{
		owners: make(map[model.Key]string),
		waiter: make(map[model.Key][]chan struct{}),
	}
}

func (lt *lockTable) tryAcquire(key model.Key, txID string, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		lt.mu.Lock()
		owner, held := lt.owners[key]
		if !held || owner == txID {
			lt.owners[key] = txID
			lt.mu.Unlock()
			return true
		}
		ch := make(chan struct{})
		lt.waiter[key] = append(lt.waiter[key], ch)
		lt.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ch:
			continue
		case <-time.After(remaining):
			return false
		}
	}
}

func (lt *lockTable) release(key model.Key, txID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.owners[key] != txID {
		return
	}
	delete(lt.owners, key)
	for _, ch := range lt.waiter[key] {
		close(ch)
	}
	delete(lt.waiter, key)
}
