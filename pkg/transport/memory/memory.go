// Package memory is an in-process transport. In manual mode nothing moves
// until the test calls Deliver, which makes interleavings reproducible; in
// async mode a worker delivers continuously. Isolated nodes have their
// traffic held until Heal.
package memory

import (
	"sync"

	"github.com/lni/goutils/syncutil"

	"github.com/amirimatin/go-raft/pkg/transport"
)

type delivery struct {
	id     transport.CallID
	from   string
	to     string
	isResp bool
	req    transport.Message
	resp   transport.Message
	err    error
}

type call struct {
	from      string
	to        string
	fn        transport.ResponseHandler
	cancelled bool
}

// Network implements transport.Transport for every node registered on it.
type Network struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	calls    map[transport.CallID]*call
	nextID   transport.CallID
	queue    []*delivery
	held     []*delivery
	isolated map[string]bool
	closed   bool

	async   bool
	kick    chan struct{}
	stopper *syncutil.Stopper
}

var _ transport.Transport = (*Network)(nil)

// NewNetwork returns a manual network.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]transport.Handler),
		calls:    make(map[transport.CallID]*call),
		isolated: make(map[string]bool),
	}
}

// NewAsyncNetwork returns a network that delivers from a background worker.
func NewAsyncNetwork() *Network {
	n := NewNetwork()
	n.async = true
	n.kick = make(chan struct{}, 1)
	n.stopper = syncutil.NewStopper()
	n.stopper.RunWorker(func() {
		for {
			select {
			case <-n.stopper.ShouldStop():
				return
			case <-n.kick:
				for n.Deliver() {
				}
			}
		}
	})
	return n
}

func (n *Network) Register(id string, h transport.Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return transport.ErrClosed
	}
	n.handlers[id] = h
	return nil
}

// Unregister removes id; later requests to it fail with ErrInvalidPeer.
func (n *Network) Unregister(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

func (n *Network) Send(from, to string, req transport.Message, fn transport.ResponseHandler) transport.CallID {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.calls[id] = &call{from: from, to: to, fn: fn}
	d := &delivery{id: id, from: from, to: to, req: req}
	if _, ok := n.handlers[to]; !ok {
		d = &delivery{id: id, from: to, to: from, isResp: true, err: transport.ErrInvalidPeer}
	}
	n.enqueueLocked(d)
	n.mu.Unlock()
	n.signal()
	return id
}

// Cancel fails the call with ErrRequestFailed. A response arriving later is dropped.
func (n *Network) Cancel(id transport.CallID) {
	n.mu.Lock()
	c, ok := n.calls[id]
	if !ok || c.cancelled {
		n.mu.Unlock()
		return
	}
	c.cancelled = true
	n.queue = dropCall(n.queue, id)
	n.held = dropCall(n.held, id)
	// the failure is local to the caller, so isolation does not hold it
	n.queue = append(n.queue, &delivery{id: id, from: c.to, to: c.from, isResp: true, err: transport.ErrRequestFailed})
	n.mu.Unlock()
	n.signal()
}

func dropCall(ds []*delivery, id transport.CallID) []*delivery {
	keep := ds[:0]
	for _, d := range ds {
		if d.id != id {
			keep = append(keep, d)
		}
	}
	return keep
}

func (n *Network) enqueueLocked(d *delivery) {
	if n.closed {
		return
	}
	if d.from != d.to && (n.isolated[d.from] || n.isolated[d.to]) {
		n.held = append(n.held, d)
		return
	}
	n.queue = append(n.queue, d)
}

func (n *Network) signal() {
	if !n.async {
		return
	}
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// Deliver moves the oldest queued message and reports whether there was one.
func (n *Network) Deliver() bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}
	d := n.queue[0]
	n.queue = n.queue[1:]
	if d.isResp {
		c, ok := n.calls[d.id]
		if ok {
			delete(n.calls, d.id)
		}
		n.mu.Unlock()
		if ok && c.fn != nil {
			c.fn(d.err, d.id, c.to, d.resp)
		}
		return true
	}
	h, ok := n.handlers[d.to]
	if c, live := n.calls[d.id]; !live || c.cancelled {
		n.mu.Unlock()
		return true
	}
	n.mu.Unlock()
	if !ok {
		n.respond(d, nil, transport.ErrInvalidPeer)
		return true
	}
	var once sync.Once
	h(d.from, d.req, func(resp transport.Message, err error) {
		once.Do(func() { n.respond(d, resp, err) })
	})
	return true
}

func (n *Network) respond(d *delivery, resp transport.Message, err error) {
	n.mu.Lock()
	if c, live := n.calls[d.id]; live && !c.cancelled {
		n.enqueueLocked(&delivery{id: d.id, from: d.to, to: d.from, isResp: true, resp: resp, err: err})
	}
	n.mu.Unlock()
	n.signal()
}

// DeliverAll delivers until the queue is empty or max messages moved, and
// returns the count.
func (n *Network) DeliverAll(max int) int {
	moved := 0
	for moved < max && n.Deliver() {
		moved++
	}
	return moved
}

// Pending returns the number of queued (not held) messages.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Isolate holds all traffic to and from the given nodes.
func (n *Network) Isolate(ids ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range ids {
		n.isolated[id] = true
	}
	keep := n.queue[:0]
	for _, d := range n.queue {
		if d.from != d.to && (n.isolated[d.from] || n.isolated[d.to]) {
			n.held = append(n.held, d)
			continue
		}
		keep = append(keep, d)
	}
	n.queue = keep
}

// Heal lifts every isolation and requeues held messages in their original order.
func (n *Network) Heal() {
	n.mu.Lock()
	n.isolated = make(map[string]bool)
	n.queue = append(n.queue, n.held...)
	n.held = nil
	n.mu.Unlock()
	n.signal()
}

// Close stops the async worker. Pending calls are abandoned without a response.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.queue = nil
	n.held = nil
	n.mu.Unlock()
	if n.stopper != nil {
		n.stopper.Stop()
	}
	return nil
}
