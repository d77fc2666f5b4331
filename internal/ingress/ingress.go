// Package ingress funnels commands from every source (radio downlinks,
// push buttons, HTTP, Home Assistant) onto a single dispatcher goroutine. Sources only
// enqueue; they never touch channel state directly.
package ingress

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/sweeney/gate-relay/internal/entrance"
)

// Command sources.
const (
	SourceDownlink = "downlink"
	SourceButton   = "button"
	SourceHTTP     = "http"
	// SourceHomeAssistant is a cover command from Home Assistant.
	SourceHomeAssistant = "homeassistant"
)

// DefaultQueueSize is enough for a burst of button bounces plus downlinks.
const DefaultQueueSize = 32

// Request is a decoded command addressed to one channel.
type Request struct {
	Channel int
	Command entrance.Command
	Source  string
}

// Handler applies commands. *entrance.Controller implements it.
type Handler interface {
	HandleCommand(id int, cmd entrance.Command) error
}

// PortMap resolves a transport destination port to a channel index.
type PortMap interface {
	ChannelForPort(port uint8) (int, bool)
}

// Queue is a bounded command queue.
type Queue struct {
	ch       chan Request
	overflow atomic.Int64
}

// NewQueue creates a queue holding up to size pending commands.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Request, size)}
}

// Enqueue adds r without blocking. It returns false if the queue is full
// and the command was discarded.
func (q *Queue) Enqueue(r Request) bool {
	select {
	case q.ch <- r:
		return true
	default:
		q.overflow.Add(1)
		log.Printf("ingress: queue full, discarding %s from %s for channel %d", r.Command, r.Source, r.Channel)
		return false
	}
}

// Downlink decodes a downlink payload received on port and enqueues it.
// Unknown ports, empty payloads and unknown command codes are ignored.
func (q *Queue) Downlink(ports PortMap, port uint8, payload []byte) bool {
	id, ok := ports.ChannelForPort(port)
	if !ok {
		log.Printf("ingress: downlink on unmapped port %d ignored", port)
		return false
	}
	cmd, ok := entrance.ParseCommand(payload)
	if !ok {
		log.Printf("ingress: undecodable downlink on port %d ignored (%d bytes)", port, len(payload))
		return false
	}
	return q.Enqueue(Request{Channel: id, Command: cmd, Source: SourceDownlink})
}

// Overflow returns how many commands were discarded because the queue was full.
func (q *Queue) Overflow() int64 {
	return q.overflow.Load()
}

// Run dispatches queued commands to h until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q.ch:
			q.dispatch(h, r)
		}
	}
}

func (q *Queue) dispatch(h Handler, r Request) {
	err := h.HandleCommand(r.Channel, r.Command)
	switch {
	case err == nil:
	case errors.Is(err, entrance.ErrMoving), errors.Is(err, entrance.ErrInvalidState):
		// Already logged by the controller.
	default:
		log.Printf("ingress: %s %s for channel %d: %v", r.Source, r.Command, r.Channel, err)
	}
}
