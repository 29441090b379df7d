package peer

import "github.com/pion/webrtc/v4"

// iceQueue buffers remote candidates that arrive before the remote description
// of the current negotiation round is applied. Nothing is ever dropped.
type iceQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *iceQueue) Push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

func (q *iceQueue) Len() int {
	return len(q.items)
}

// Flush hands every queued candidate to apply in arrival order and leaves the
// queue empty. It returns how many candidates were flushed.
func (q *iceQueue) Flush(apply func(webrtc.ICECandidateInit)) int {
	items := q.items
	q.items = nil
	for _, c := range items {
		apply(c)
	}
	return len(items)
}
