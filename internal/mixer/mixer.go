package mixer

import "sync"

// Mixer translates the independent id spaces of many external sessions onto
// the single flat id space the shared browser transport requires. Each call
// to Generate mints an id that is unique among all outstanding requests and
// remembers the payload (typically the originating session and its original
// id) until the matching response consumes it with Take.
type Mixer struct {
	mu      sync.Mutex
	last    int64
	pending map[int64]interface{}
}

// New creates an empty mixer.
func New() *Mixer {
	return &Mixer{
		pending: make(map[int64]interface{}),
	}
}

// Generate mints a fresh id (never zero) and stores payload under it.
func (m *Mixer) Generate(payload interface{}) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last++
	m.pending[m.last] = payload
	return m.last
}

// Next mints a fresh id with no pending entry. Used for fire-and-forget
// housekeeping requests: the eventual response misses the Take lookup and
// gets dropped.
func (m *Mixer) Next() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last++
	return m.last
}

// Take retrieves and erases the payload stored under id. The first call
// returns it; any later call for the same id reports not-found, which
// callers must treat as "drop the message".
func (m *Mixer) Take(id int64) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	delete(m.pending, id)
	return payload, true
}

// Outstanding returns the number of requests still awaiting a response.
func (m *Mixer) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}
