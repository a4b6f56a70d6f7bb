// Package clock implements the two logical clocks this design needs:
// a scalar Lamport clock and a per-origin version vector. Grounded on
// original_source/lamport.py and original_source/database/utils/vector_clock.py,
// generalized from the coordinator's algorithm/vectorclock_ops.go comparison
// logic.
package clock

import "sync"

// Lamport is a monotonic scalar clock, safe for concurrent use.
type Lamport struct {
	mu   sync.Mutex
	time uint64
}

func NewLamport() *Lamport {
	return &Lamport{}
}

// Tick increments and returns the new value.
func (l *Lamport) Tick() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.time++
	return l.time
}

// Update folds in a remote timestamp: self = max(self, remote) + 1.
func (l *Lamport) Update(remote uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if remote > l.time {
		l.time = remote
	}
	l.time++
	return l.time
}

// Peek returns the current value without advancing it.
func (l *Lamport) Peek() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.time
}
