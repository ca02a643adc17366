package engine

import "sync"

// projectLocks serializes mutations per project within one process. Writers
// in other processes are fenced by the immediate SQLite transaction and the
// version column of the projects row. Entries are reference counted and
// dropped once no caller holds or waits on them.
type projectLocks struct {
	mu    sync.Mutex
	byKey map[string]*projectLock
}

type projectLock struct {
	mu   sync.Mutex
	refs int
}

var sharedLocks = newProjectLocks()

func newProjectLocks() *projectLocks {
	return &projectLocks{byKey: map[string]*projectLock{}}
}

func (l *projectLocks) lock(projectID string) func() {
	if l == nil {
		l = sharedLocks
	}
	l.mu.Lock()
	pl, ok := l.byKey[projectID]
	if !ok {
		pl = &projectLock{}
		l.byKey[projectID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.byKey, projectID)
		}
		l.mu.Unlock()
	}
}

func (l *projectLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
