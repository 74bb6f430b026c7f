package tool

import "sync"

// InMemorySnapshotStore retains the most recent pre-edit content seen for
// each path the Tool Dispatcher has passed to an edit-kind tool. It backs
// domaintool.SnapshotStore; it is a single-slot-per-path cache, not a
// history log, since only the last edit's undo is ever needed.
type InMemorySnapshotStore struct {
	mu     sync.Mutex
	byPath map[string][]byte
}

// NewInMemorySnapshotStore creates an empty snapshot store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{byPath: make(map[string][]byte)}
}

// Snapshot records content as the last-known-good state for path.
func (s *InMemorySnapshotStore) Snapshot(path string, content []byte) {
	cp := make([]byte, len(content))
	copy(cp, content)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPath[path] = cp
}

// Get returns the last snapshot recorded for path, if any.
func (s *InMemorySnapshotStore) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byPath[path]
	return b, ok
}

// InMemoryFileTimeTracker records the modification time an edit tool last
// observed for a path. Backs domaintool.FileTimeTracker.
type InMemoryFileTimeTracker struct {
	mu    sync.Mutex
	times map[string]int64
}

// NewInMemoryFileTimeTracker creates an empty tracker.
func NewInMemoryFileTimeTracker() *InMemoryFileTimeTracker {
	return &InMemoryFileTimeTracker{times: make(map[string]int64)}
}

// Observe records modTime (unix nanoseconds) as the last time path was seen.
func (t *InMemoryFileTimeTracker) Observe(path string, modTime int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times[path] = modTime
}

// LastObserved returns the last recorded modification time for path.
func (t *InMemoryFileTimeTracker) LastObserved(path string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.times[path]
	return v, ok
}
