package realtime

import (
	"sync"

	v1 "chord/shared/contracts/realtime/v1"
)

// outbox buffers messages sent while offline and tracks sent messages until
// their echo (matched by clientMsgId) arrives.
type outbox struct {
	mu      sync.Mutex
	size    int
	queued  []v1.SendMessageBody
	unacked map[string]struct{}
	order   []string
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		return nil
	}
	return &outbox{
		size:    size,
		unacked: make(map[string]struct{}, size),
	}
}

// enqueue appends b and reports the entry dropped to make room, if any.
func (o *outbox) enqueue(b v1.SendMessageBody) (dropped v1.SendMessageBody, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queued) >= o.size {
		dropped, ok = o.queued[0], true
		o.queued = append(o.queued[:0:0], o.queued[1:]...)
	}
	o.queued = append(o.queued, b)
	return dropped, ok
}

// drain removes and returns the queued entries in FIFO order.
func (o *outbox) drain() []v1.SendMessageBody {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := o.queued
	o.queued = nil
	return out
}

// requeue puts entries back at the head, e.g. when a flush fails half way.
func (o *outbox) requeue(bs []v1.SendMessageBody) {
	if len(bs) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	merged := append(append([]v1.SendMessageBody(nil), bs...), o.queued...)
	if over := len(merged) - o.size; over > 0 {
		merged = merged[over:]
	}
	o.queued = merged
}

// sent records clientMsgID as awaiting its echo. The oldest id is forgotten
// once the window is full.
func (o *outbox) sent(clientMsgID string) {
	if clientMsgID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.unacked[clientMsgID]; ok {
		return
	}
	if len(o.order) >= o.size {
		delete(o.unacked, o.order[0])
		o.order = append(o.order[:0:0], o.order[1:]...)
	}
	o.unacked[clientMsgID] = struct{}{}
	o.order = append(o.order, clientMsgID)
}

// ack reports whether clientMsgID was awaiting an echo and forgets it.
func (o *outbox) ack(clientMsgID string) bool {
	if clientMsgID == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.unacked[clientMsgID]; !ok {
		return false
	}
	delete(o.unacked, clientMsgID)
	for i, id := range o.order {
		if id == clientMsgID {
			o.order = append(o.order[:i:i], o.order[i+1:]...)
			break
		}
	}
	return true
}

// Pending is a point-in-time view of the outbox.
type Pending struct {
	Queued  int
	Unacked int
}

func (o *outbox) pending() Pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Pending{Queued: len(o.queued), Unacked: len(o.unacked)}
}
