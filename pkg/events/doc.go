/*
Package events provides the in-memory change broker behind Runway's embedded
document store.

Every committed write to the bbolt store is published here as an Event
carrying the full document after the change. Live collection watchers
subscribe per collection and turn the event stream into record set updates.

# Architecture

	┌──────────────── CHANGE BROKER ────────────────┐
	│                                                │
	│  BoltStore write (serialized)                  │
	│       │  Publish: assign Seq                   │
	│       ▼                                        │
	│  Event Channel (buffer: 100)                   │
	│       │                                        │
	│       ▼                                        │
	│  Broadcast Loop (single goroutine)             │
	│       │  filter by collection                  │
	│       ▼                                        │
	│  Subscriber Channels (buffer: 256 each)        │
	│       │                                        │
	│       ▼                                        │
	│  storage watch goroutine → record store client │
	└────────────────────────────────────────────────┘

# Ordering and Overflow

A single broadcast loop delivers events, so every subscriber observes them
in publish order. Events are never coalesced.

Events are never skipped either. When a subscriber's buffer is full, the
broker closes that subscription and marks it Lagged. The watcher reading it
then reports the gap as an unavailable store error and resubscribes, taking
a fresh full snapshot. A slow reader therefore sees an explicit error
followed by a complete resync, never a silently incomplete record set.

# Event Types

  - record.created
  - record.updated
  - record.deleted

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe("incidents")
	defer broker.Unsubscribe(sub)

	for ev := range sub.C {
		fmt.Println(ev.Seq, ev.Type, ev.DocumentID)
	}
	if sub.Lagged() {
		// resync
	}
*/
package events
