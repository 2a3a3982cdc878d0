package scan

import (
	"sync"

	"github.com/aegisflux/scanengine/internal/model"
)

// sequencer hands published findings to fn strictly in Created order.
// Workers report findings as their Publish returns, which can be out of
// order; a finding is held until every earlier one has been reported.
type sequencer struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*model.Finding
	fn      func(*model.Finding)
}

func newSequencer(fn func(*model.Finding)) *sequencer {
	return &sequencer{next: 1, pending: make(map[uint64]*model.Finding), fn: fn}
}

// add reports f. fn runs under the sequencer lock, so at most one finding is
// handed out at a time.
func (q *sequencer) add(f *model.Finding) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if f.Created < q.next {
		return
	}
	q.pending[f.Created] = f
	for {
		g, ok := q.pending[q.next]
		if !ok {
			return
		}
		delete(q.pending, q.next)
		q.next++
		q.fn(g)
	}
}

// held returns how many findings wait for an earlier one
func (q *sequencer) held() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
