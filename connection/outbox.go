package connection

import "sync"

// outbox hands each tool's status changes to the notifier in the order the
// registry committed them. Whichever caller pushes the next expected version
// drains every change that is ready behind it.
type outbox struct {
	mu     sync.Mutex
	queues map[string]*toolQueue
}

type toolQueue struct {
	next     uint64
	ready    map[uint64]*StatusChange
	draining bool
}

func newOutbox() *outbox {
	return &outbox{queues: make(map[string]*toolQueue)}
}

// push records the change committed as version for toolID. A nil change
// fills the slot of a write that left the status unchanged. deliver is called
// outside the outbox lock, one change at a time per tool.
func (o *outbox) push(toolID string, version uint64, change *StatusChange, deliver func(StatusChange)) {
	o.mu.Lock()
	q, ok := o.queues[toolID]
	if !ok {
		q = &toolQueue{next: 1, ready: make(map[uint64]*StatusChange)}
		o.queues[toolID] = q
	}
	q.ready[version] = change
	if q.draining {
		o.mu.Unlock()
		return
	}

	q.draining = true
	for {
		next, ok := q.ready[q.next]
		if !ok {
			break
		}
		delete(q.ready, q.next)
		q.next++
		if next == nil {
			continue
		}
		o.mu.Unlock()
		deliver(*next)
		o.mu.Lock()
	}
	q.draining = false
	o.mu.Unlock()
}
