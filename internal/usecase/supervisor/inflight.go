package supervisor

import "sync"

// InFlight is the set of message IDs currently being dispatched.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInFlight creates an empty set.
func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]struct{})}
}

// TryAcquire adds id to the set. It reports false, and does nothing, when id
// is already held. The returned release is safe to call more than once.
func (f *InFlight) TryAcquire(id string) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, held := f.ids[id]; held {
		return func() {}, false
	}
	f.ids[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.ids, id)
			f.mu.Unlock()
		})
	}, true
}

// Contains reports whether id is held.
func (f *InFlight) Contains(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[id]
	return ok
}

// Len returns the number of held IDs.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
