package mqtt

import "log"

// pendingMsg is a serialized message waiting for the broker connection.
type pendingMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox is a fixed-capacity FIFO of uplinks not yet handed to the broker.
// When full the oldest message is dropped; the newest status always survives.
// Not safe for concurrent use; the caller must synchronize.
type outbox struct {
	buf      []pendingMsg
	capacity int
	head     int // next write position
	count    int
	dropped  int // messages lost since last drain
}

func newOutbox(capacity int) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &outbox{
		buf:      make([]pendingMsg, capacity),
		capacity: capacity,
	}
}

func (o *outbox) push(msg pendingMsg) {
	if o.count == o.capacity {
		if o.dropped == 0 {
			log.Printf("mqtt: outbox full (%d messages), dropping oldest", o.capacity)
		}
		o.dropped++
		// head already points at the oldest entry
		o.buf[o.head] = msg
		o.head = (o.head + 1) % o.capacity
		return
	}
	o.buf[o.head] = msg
	o.head = (o.head + 1) % o.capacity
	o.count++
}

// drain returns the pending messages oldest first and empties the outbox.
func (o *outbox) drain() []pendingMsg {
	if o.count == 0 {
		return nil
	}

	out := make([]pendingMsg, o.count)
	start := (o.head - o.count + o.capacity) % o.capacity
	for i := range out {
		out[i] = o.buf[(start+i)%o.capacity]
	}

	if o.dropped > 0 {
		log.Printf("mqtt: %d queued messages were dropped before reaching the broker", o.dropped)
	}
	o.count = 0
	o.head = 0
	o.dropped = 0
	return out
}

func (o *outbox) len() int {
	return o.count
}
