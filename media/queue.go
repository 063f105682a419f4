package media

import "github.com/pion/webrtc/v4"

// CandidateQueue holds ICE candidates until they can be applied. It is drained
// once, in arrival order. Pushes after the drain are ignored.
type CandidateQueue struct {
	items   []webrtc.ICECandidateInit
	drained bool
}

// Push appends candidate unless the queue was drained.
func (q *CandidateQueue) Push(candidate webrtc.ICECandidateInit) bool {
	if q.drained {
		return false
	}
	q.items = append(q.items, candidate)
	return true
}

// Len returns the number of held candidates.
func (q *CandidateQueue) Len() int {
	return len(q.items)
}

// Drained reports whether Drain has run.
func (q *CandidateQueue) Drained() bool {
	return q.drained
}

// Drain applies every held candidate in order and empties the queue. Only the
// first call applies anything.
func (q *CandidateQueue) Drain(apply func(webrtc.ICECandidateInit)) int {
	if q.drained {
		return 0
	}
	q.drained = true
	items := q.items
	q.items = nil
	for _, c := range items {
		apply(c)
	}
	return len(items)
}

// Reset discards held candidates.
func (q *CandidateQueue) Reset() {
	q.items = nil
	q.drained = true
}
