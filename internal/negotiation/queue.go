package negotiation

import "github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"

const DefaultMaxQueuedCandidates = 64

// CandidateQueue holds remote candidates that arrived before the remote
// description. It is drained exactly once; later drains return nothing.
type CandidateQueue struct {
	items   []protocol.Candidate
	max     int
	flushed bool
}

func NewCandidateQueue(max int) *CandidateQueue {
	if max <= 0 {
		max = DefaultMaxQueuedCandidates
	}
	return &CandidateQueue{max: max}
}

func (q *CandidateQueue) Push(c protocol.Candidate) error {
	if q.flushed {
		return ErrQueueFlushed
	}
	if len(q.items) >= q.max {
		return ErrCandidateQueueFull
	}
	q.items = append(q.items, c)
	return nil
}

// Drain returns the queued candidates in receipt order and marks the queue
// flushed.
func (q *CandidateQueue) Drain() []protocol.Candidate {
	if q.flushed {
		return nil
	}
	q.flushed = true
	items := q.items
	q.items = nil
	return items
}

func (q *CandidateQueue) Len() int { return len(q.items) }

func (q *CandidateQueue) Flushed() bool { return q.flushed }

// Reset discards any queued candidates without applying them.
func (q *CandidateQueue) Reset() {
	q.items = nil
}
