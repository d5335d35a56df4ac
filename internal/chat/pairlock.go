package chat

import "sync"

// pairLocks serializes conversation creation per unordered participant pair.
// Locks are created on first use and never evicted; the map is bounded by the
// number of distinct pairs seen by this process.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for the unordered pair and returns its release.
func (p *pairLocks) lock(a, b string) func() {
	if b < a {
		a, b = b, a
	}
	key := a + "\x00" + b

	p.mu.Lock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}
