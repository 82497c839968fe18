package events

import (
	"sync"

	"github.com/fieldsync/fieldsync/internal/core/observability/log"
)

// Dispatcher queues events and delivers them to the bus from a single worker
// goroutine, preserving enqueue order. Mutation paths call Emit and return
// immediately; a slow or failing subscriber never blocks or fails the
// mutation that produced the event.
type Dispatcher struct {
	bus    Bus
	queue  chan Event
	logger log.Log

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher starts the delivery worker. bufferSize bounds the number of
// in-flight events; Emit blocks once the buffer is full rather than dropping,
// because listeners must observe every conflict and session completion.
func NewDispatcher(bus Bus, bufferSize int, logger log.Log) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	d := &Dispatcher{
		bus:    bus,
		queue:  make(chan Event, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit enqueues an event for ordered delivery. Calling Emit after Close
// panics, matching the usual send-on-closed-channel contract; the engine
// shuts components down before the dispatcher.
func (d *Dispatcher) Emit(event Event) {
	d.queue <- event
}

// Bus returns the underlying bus for subscribing.
func (d *Dispatcher) Bus() Bus {
	return d.bus
}

// Close stops intake, drains queued events, and waits for delivery to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		if err := d.bus.Publish(event); err != nil {
			d.logger.Warn("event delivery failed",
				log.String("type", event.Type),
				log.String("source", event.Source),
				log.Error(err),
			)
		}
	}
}
