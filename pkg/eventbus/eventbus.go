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

// Package eventbus provides a synchronous in-process publish/subscribe bus.
// Handlers run on the publisher's goroutine in subscription order; a handler
// that panics is isolated and logged without affecting later handlers.
package eventbus

import (
	"github.com/rs/zerolog/log"

	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

// Topic identifies an event stream on the bus.
type Topic string

// Handler receives events published to a topic.
type Handler func(event any)

// Subscription is a handle to an active subscription. It is returned by
// Subscribe and passed to Unsubscribe.
type Subscription struct {
	topic Topic
	id    int
}

// Topic returns the topic this subscription is attached to.
func (s Subscription) Topic() Topic { return s.topic }

type entry struct {
	handler Handler
	id      int
}

// Bus is a synchronous topic-keyed publish/subscribe broker.
type Bus struct {
	subscribers map[Topic][]entry
	mu          syncutil.RWMutex
	nextID      int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Topic][]entry),
	}
}

// Subscribe registers handler for topic and returns a handle that can be used
// to unsubscribe. Handlers on the same topic are invoked in subscription order.
func (b *Bus) Subscribe(topic Topic, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[topic] = append(b.subscribers[topic], entry{handler: handler, id: id})

	log.Debug().
		Str("topic", string(topic)).
		Int("subscriber_id", id).
		Msg("bus: subscriber registered")

	return Subscription{topic: topic, id: id}
}

// Unsubscribe removes the subscription. Unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.subscribers[sub.topic]
	for i, e := range entries {
		if e.id == sub.id {
			b.subscribers[sub.topic] = append(entries[:i:i], entries[i+1:]...)
			log.Debug().
				Str("topic", string(sub.topic)).
				Int("subscriber_id", sub.id).
				Msg("bus: subscriber removed")
			return
		}
	}
}

// Publish delivers event to every subscriber of topic, in subscription order,
// on the calling goroutine. A panicking handler does not prevent delivery to
// the remaining handlers.
func (b *Bus) Publish(topic Topic, event any) {
	b.mu.RLock()
	entries := make([]entry, len(b.subscribers[topic]))
	copy(entries, b.subscribers[topic])
	b.mu.RUnlock()

	for _, e := range entries {
		b.deliver(topic, e, event)
	}
}

func (*Bus) deliver(topic Topic, e entry, event any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("topic", string(topic)).
				Int("subscriber_id", e.id).
				Any("panic", r).
				Msg("bus: subscriber panicked, event dropped for this subscriber")
		}
	}()
	e.handler(event)
}
