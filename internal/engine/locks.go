package engine

import "sync"

// boardLocks serializes orchestration per board. Claim and delegate check
// invariants that span the whole board's task set, so per-task locking is not
// enough.
type boardLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newBoardLocks() *boardLocks {
	return &boardLocks{locks: map[string]*sync.Mutex{}}
}

// Lock acquires the board's mutex, creating it on first use, and returns the
// unlock func. Callers defer the unlock so every exit path releases.
func (b *boardLocks) Lock(boardID string) func() {
	b.mu.Lock()
	l, ok := b.locks[boardID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[boardID] = l
	}
	b.mu.Unlock()
	l.Lock()
	return l.Unlock
}
