// Universal Chess Relay
// Copyright (c) 2026 The Universal Chess Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Universal Chess Relay.
//
// Universal Chess Relay is free software: you can redistribute it and/or
// modify it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Universal Chess Relay is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Universal Chess Relay.  If not, see <http://www.gnu.org/licenses/>.

package eventbus

// Publisher is the write side of the bus. Satisfied by Bus for synchronous
// delivery and by Dispatcher for delivery on the dispatch goroutine.
type Publisher interface {
	Publish(topic Topic, event any)
}

type queued struct {
	event any
	topic Topic
}

// Dispatcher decouples event producers from subscriber execution: producers
// enqueue, a single goroutine drains the queue and invokes subscribers.
// Subscribers may therefore block on the producer (for example, a bus
// handler issuing a board command back to the poll goroutine) without
// deadlocking it.
type Dispatcher struct {
	bus    *Bus
	queue  chan queued
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDispatcher creates a dispatcher over bus with the given queue depth.
func NewDispatcher(bus *Bus, depth int) *Dispatcher {
	return &Dispatcher{
		bus:    bus,
		queue:  make(chan queued, depth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (d *Dispatcher) Start() {
	go func() {
		defer close(d.doneCh)
		for {
			select {
			case <-d.stopCh:
				// Drain what was enqueued before the stop.
				for {
					select {
					case q := <-d.queue:
						d.bus.Publish(q.topic, q.event)
					default:
						return
					}
				}
			case q := <-d.queue:
				d.bus.Publish(q.topic, q.event)
			}
		}
	}()
}

// Stop halts dispatch after draining pending events.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

// Publish enqueues an event for delivery on the dispatch goroutine. Blocks
// while the queue is full.
func (d *Dispatcher) Publish(topic Topic, event any) {
	select {
	case d.queue <- queued{topic: topic, event: event}:
	case <-d.stopCh:
	}
}
