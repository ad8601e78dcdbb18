// Package bus implements the event bus: two simplex FIFO channels carrying
// Events from the core to an observer and Commands from the observer back
// to the core (spec §4.4), plus the one-shot decision rendezvous used by the
// intercept gate (spec §4.4 PendingDecisions).
package bus

import "context"

// Bus holds the two simplex queues. A Bus has no concept of "the" observer:
// any number of goroutines may publish events or send commands. Each queued
// item is handed to exactly one NextEvent/NextCommand caller, so the
// websocket bridge in ws.go reads events in a single loop and broadcasts
// each one to every connected browser tab.
type Bus struct {
	events   *fifoQueue[Event]
	commands *fifoQueue[Command]
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		events:   newFIFOQueue[Event](),
		commands: newFIFOQueue[Command](),
	}
}

// PublishEvent enqueues e for delivery to observers. Never blocks.
func (b *Bus) PublishEvent(e Event) { b.events.Push(e) }

// NextEvent blocks until an event is available or ctx is done.
func (b *Bus) NextEvent(ctx context.Context) (Event, bool) { return b.events.Wait(ctx) }

// SendCommand enqueues a command for the core's dispatcher. Never blocks.
func (b *Bus) SendCommand(c Command) { b.commands.Push(c) }

// NextCommand blocks until a command is available or ctx is done.
func (b *Bus) NextCommand(ctx context.Context) (Command, bool) { return b.commands.Wait(ctx) }

// Close shuts down both queues, unblocking any pending Wait calls.
func (b *Bus) Close() {
	b.events.Close()
	b.commands.Close()
}
