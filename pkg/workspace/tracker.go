package workspace

import "sync"

// Tracker records which paths each agent created or read during the session.
// Deletion is only allowed for tracked paths: an agent must have created a
// file or looked at its contents before it may remove it.
type Tracker struct {
	mu      sync.Mutex
	reads   map[string]map[string]struct{} // agent -> relative path set
	creates map[string]map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		reads:   make(map[string]map[string]struct{}),
		creates: make(map[string]map[string]struct{}),
	}
}

// RecordRead marks path as read by agent.
func (t *Tracker) RecordRead(agent, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reads[agent] == nil {
		t.reads[agent] = make(map[string]struct{})
	}
	t.reads[agent][path] = struct{}{}
}

// RecordCreate marks path as created (or overwritten) by agent.
func (t *Tracker) RecordCreate(agent, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.creates[agent] == nil {
		t.creates[agent] = make(map[string]struct{})
	}
	t.creates[agent][path] = struct{}{}
}

// MayDelete reports whether agent created or read path this session.
func (t *Tracker) MayDelete(agent, path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.creates[agent][path]; ok {
		return true
	}
	_, ok := t.reads[agent][path]
	return ok
}

// Forget drops tracking for a deleted path so a re-created file must be
// read or created again before the next delete.
func (t *Tracker) Forget(agent, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.creates[agent], path)
	delete(t.reads[agent], path)
}
