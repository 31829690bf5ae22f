package presence

import stdsync "sync"

// update is one desired presence state for a user.
type update struct {
	online    bool
	timestamp int64
}

type queued struct {
	userID string
	update update
}

// queue buffers presence updates while offline. Only the latest desired
// state per user is kept; superseded intermediate states are discarded.
// It is in-memory by design: presence is best-effort and a lost update is
// repaired by the next heartbeat cycle.
type queue struct {
	mu      stdsync.Mutex
	pending map[string]update
}

func newQueue() *queue {
	return &queue{pending: make(map[string]update)}
}

// set records the latest desired state for a user, replacing any earlier
// queued state.
func (q *queue) set(userID string, u update) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.pending[userID]; ok && cur.timestamp > u.timestamp {
		return
	}
	q.pending[userID] = u
}

// drain removes and returns all queued updates.
func (q *queue) drain() []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queued, 0, len(q.pending))
	for id, u := range q.pending {
		out = append(out, queued{userID: id, update: u})
	}
	q.pending = make(map[string]update)
	return out
}

// len reports the number of users with a queued state.
func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
