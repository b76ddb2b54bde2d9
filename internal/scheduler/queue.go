package scheduler

import (
	"sort"
	"sync"
	"time"

	"birdbridge/internal/models"
)

// QueuedBackfill is a pending request with its 1-based queue position.
type QueuedBackfill struct {
	models.BackfillRequest
	Position int `json:"position"`
}

// BackfillQueue holds at most one pending backfill per destination account.
// A new request for an account replaces the pending one and moves to the
// back of the queue.
type BackfillQueue struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]models.BackfillRequest
	now     func() time.Time
}

// NewBackfillQueue creates an empty queue.
func NewBackfillQueue() *BackfillQueue {
	return &BackfillQueue{pending: make(map[string]models.BackfillRequest), now: time.Now}
}

// Enqueue records a backfill for account, replacing any pending one.
func (q *BackfillQueue) Enqueue(account string, limit int) models.BackfillRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	req := models.BackfillRequest{Account: account, Limit: limit, EnqueuedAt: q.now().UTC(), Seq: q.seq}
	q.pending[account] = req
	return req
}

// Next returns the oldest pending request without removing it.
func (q *BackfillQueue) Next() (models.BackfillRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next models.BackfillRequest
	found := false
	for _, req := range q.pending {
		if !found || req.Seq < next.Seq {
			next, found = req, true
		}
	}
	return next, found
}

// Done clears req once it has been serviced. A request that was replaced
// while it ran stays queued.
func (q *BackfillQueue) Done(req models.BackfillRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.pending[req.Account]
	if !ok || cur.Seq != req.Seq {
		return false
	}
	delete(q.pending, req.Account)
	return true
}

// Remove drops any pending request for account.
func (q *BackfillQueue) Remove(account string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[account]
	delete(q.pending, account)
	return ok
}

// Len returns the number of pending requests.
func (q *BackfillQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot lists pending requests in service order.
func (q *BackfillQueue) Snapshot() []QueuedBackfill {
	q.mu.Lock()
	out := make([]QueuedBackfill, 0, len(q.pending))
	for _, req := range q.pending {
		out = append(out, QueuedBackfill{BackfillRequest: req})
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	for i := range out {
		out[i].Position = i + 1
	}
	return out
}

// Position returns the 1-based position of account's request, or 0.
func (q *BackfillQueue) Position(account string) int {
	for _, qb := range q.Snapshot() {
		if qb.Account == account {
			return qb.Position
		}
	}
	return 0
}
