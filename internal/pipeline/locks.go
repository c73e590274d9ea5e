package pipeline

import "sync"

// PathLocks serializes work per document path. The bulk pipeline and the
// live reconciler share one table, so a path being reindexed in bulk
// cannot simultaneously be reindexed by a watcher event.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewPathLocks creates an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*pathLock)}
}

// Lock acquires the lock for a path, blocking until it is free.
func (p *PathLocks) Lock(path string) {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the lock for a path. The entry is dropped once nothing
// waits on it, keeping the table bounded by concurrent work.
func (p *PathLocks) Unlock(path string) {
	p.mu.Lock()
	l, ok := p.locks[path]
	if ok {
		l.refs--
		if l.refs == 0 {
			delete(p.locks, path)
		}
	}
	p.mu.Unlock()

	if ok {
		l.mu.Unlock()
	}
}
