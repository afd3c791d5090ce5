package realtime

import "sync"

// dispatcher runs callbacks one at a time in FIFO order.
//
// The goroutine that finds the queue idle drains it; any other caller,
// including a handler that re-enters the session, only enqueues. Handlers
// therefore never run concurrently and never deadlock on re-entry.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (d *dispatcher) run(fns ...func()) {
	if len(fns) == 0 {
		return
	}

	d.mu.Lock()
	d.queue = append(d.queue, fns...)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true

	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()

		d.mu.Lock()
	}
	d.queue = nil
	d.running = false
	d.mu.Unlock()
}
