package event

import (
	"sync"

	"github.com/rigado/blesm"
)

// Dispatcher queues events in the order they are posted and delivers them
// from a single goroutine, so handlers never run inside a state transition.
type Dispatcher struct {
	handlers Handlers
	log      blesm.Logger

	lock   sync.Mutex
	cond   *sync.Cond
	queue  []Event
	seq    map[blesm.ConnHandle]uint64
	closed bool

	done chan struct{}
}

// NewDispatcher starts a dispatcher for hs.
func NewDispatcher(hs Handlers, l blesm.Logger) *Dispatcher {
	if l == nil {
		l = blesm.GetLogger()
	}

	d := &Dispatcher{
		handlers: hs,
		log:      l.ChildLogger(map[string]interface{}{"sub": "event"}),
		seq:      make(map[blesm.ConnHandle]uint64),
		done:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.lock)

	go d.run()
	return d
}

// Post queues e. It returns false if the dispatcher is closed or e repeats
// a sequence number already used for its handle.
func (d *Dispatcher) Post(e Event) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return false
	}

	last := d.seq[e.Handle]
	switch {
	case e.Seq == 0:
		e.Seq = last + 1
	case e.Seq <= last:
		d.log.Debugf("drop duplicate %v", e)
		return false
	}
	d.seq[e.Handle] = e.Seq

	d.queue = append(d.queue, e)
	d.cond.Signal()
	return true
}

// Flush blocks until every event posted before it has been delivered. It
// must not be called from a handler.
func (d *Dispatcher) Flush() {
	ch := make(chan struct{})

	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		<-d.done
		return
	}
	d.queue = append(d.queue, Event{Type: typeFlush, flushed: ch})
	d.cond.Signal()
	d.lock.Unlock()

	<-ch
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.lock.Lock()
	d.closed = true
	d.cond.Signal()
	d.lock.Unlock()

	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		d.lock.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.lock.Unlock()
			return
		}
		e := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		d.lock.Unlock()

		if e.Type == typeFlush {
			close(e.flushed)
			continue
		}

		if !d.handlers.deliver(e) {
			d.log.Debugf("no handler for %v", e)
		}
	}
}
