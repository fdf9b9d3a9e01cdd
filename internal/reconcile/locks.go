package reconcile

import "sync"

// lockTable provides per-job-id mutual exclusion. Reconciliation and cancel
// for the same job id must never run concurrently; different ids may.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the lock for jobID is held and returns the release
// function. Entries are reference-counted so the table does not grow with
// the total number of jobs ever seen.
func (t *lockTable) acquire(jobID string) func() {
	t.mu.Lock()
	entry, ok := t.entries[jobID]
	if !ok {
		entry = &lockEntry{}
		t.entries[jobID] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.entries, jobID)
		}
		t.mu.Unlock()
	}
}

// size reports how many job ids currently hold or wait on a lock
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
