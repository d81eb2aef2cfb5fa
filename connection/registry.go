package connection

import (
	"sort"
	"sync"
)

// Registry maps tool ids to their current connection state. Writes happen
// only through controller transitions; reads always see the latest committed
// state.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]ToolConnection
	loading map[string]uint64
	seq     uint64

	// versions counts committed writes per id; it survives Delete so
	// delivery order stays monotonic across forgets.
	versions map[string]uint64
	// forgotten holds, per id, the last attempt token issued before Delete.
	forgotten map[string]uint64
}

// transition is one committed write for a single id.
type transition struct {
	conn     ToolConnection
	previous Status
	version  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string]ToolConnection),
		loading:   make(map[string]uint64),
		versions:  make(map[string]uint64),
		forgotten: make(map[string]uint64),
	}
}

// Get returns the state for id, or the disconnected default when id was never tested.
func (r *Registry) Get(id string) ToolConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return defaultConnection(id)
	}
	return cloneConnection(conn)
}

// IsLoading reports whether a probe for id is in flight.
func (r *Registry) IsLoading(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loading[id]
	return ok
}

// All returns every recorded connection sorted by id.
func (r *Registry) All() []ToolConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, cloneConnection(conn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of recorded connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Delete drops the state for id so it reads as the default again. Attempts
// begun before Delete settle without writing.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	delete(r.loading, id)
	r.forgotten[id] = r.seq
}

// begin applies the opening transition of an attempt and marks id as loading.
// The returned token identifies this attempt when it settles.
func (r *Registry) begin(id string, fn func(*ToolConnection)) (transition, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	token := r.seq
	r.loading[id] = token

	return r.applyLocked(id, fn), token
}

// settle applies the closing transition of an attempt. The loading flag is
// cleared only when token still belongs to the most recent attempt. It
// reports false, writing nothing, when id was deleted after the attempt began.
func (r *Registry) settle(id string, token uint64, fn func(*ToolConnection)) (transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token <= r.forgotten[id] {
		return transition{}, false
	}
	if current, ok := r.loading[id]; ok && current == token {
		delete(r.loading, id)
	}
	return r.applyLocked(id, fn), true
}

func (r *Registry) applyLocked(id string, fn func(*ToolConnection)) transition {
	conn, ok := r.conns[id]
	if !ok {
		conn = defaultConnection(id)
	}
	previous := conn.Status
	fn(&conn)
	conn.ID = id
	if conn.Status != StatusError {
		conn.Error = nil
	}
	r.conns[id] = conn
	r.versions[id]++
	return transition{
		conn:     cloneConnection(conn),
		previous: previous,
		version:  r.versions[id],
	}
}
