package scheduler

import "sync"

// writer applies the ledger updates of one job in the order they were
// queued. Updates are queued under the scheduler lock and applied without
// it, so a slow ledger persister only delays its own job.
type writer struct {
	mx     sync.Mutex
	ops    []func()
	closed bool
	signal chan struct{}
}

func newWriter() *writer {
	return &writer{signal: make(chan struct{}, 1)}
}

// push queues op. It never blocks.
func (w *writer) push(op func()) {
	w.mx.Lock()
	w.ops = append(w.ops, op)
	w.mx.Unlock()
	w.notify()
}

// sync returns a channel closed once every op queued so far was applied.
func (w *writer) sync() <-chan struct{} {
	ch := make(chan struct{})
	w.push(func() { close(ch) })
	return ch
}

// close makes run return after the queued ops. Nothing may be pushed
// afterwards.
func (w *writer) close() {
	w.mx.Lock()
	w.closed = true
	w.mx.Unlock()
	w.notify()
}

func (w *writer) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	for {
		<-w.signal
		w.mx.Lock()
		ops, closed := w.ops, w.closed
		w.ops = nil
		w.mx.Unlock()
		for _, op := range ops {
			op()
		}
		if closed {
			return
		}
	}
}
