package mqtt

import (
	"sync"
)

// publisher hands queued messages to the broker from a single goroutine,
// so they leave in the order they were queued. While the connection is down
// they stay in the outbox and go out first once it is back.
type publisher struct {
	publish   func(pendingMsg)
	connected func() bool

	mu     sync.Mutex
	outbox *outbox

	wake     chan struct{}
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

func newPublisher(capacity int, publish func(pendingMsg), connected func() bool) *publisher {
	return &publisher{
		publish:   publish,
		connected: connected,
		outbox:    newOutbox(capacity),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

func (p *publisher) start() {
	go p.run()
}

// enqueue never blocks.
func (p *publisher) enqueue(m pendingMsg) {
	p.mu.Lock()
	p.outbox.push(m)
	p.mu.Unlock()
	p.kick()
}

// kick wakes the publishing goroutine, e.g. after a reconnect.
func (p *publisher) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *publisher) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox.len()
}

func (p *publisher) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for batch := p.take(); len(batch) > 0; batch = p.take() {
			for _, m := range batch {
				select {
				case <-p.done:
					return
				default:
				}
				p.publish(m)
			}
		}
	}
}

// take empties the outbox, but only while the broker is reachable.
func (p *publisher) take() []pendingMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected() {
		return nil
	}
	return p.outbox.drain()
}

// stop waits for an in-flight publish to finish. Anything still queued is lost.
func (p *publisher) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		<-p.finished
	})
}
