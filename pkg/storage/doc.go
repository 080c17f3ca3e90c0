/*
Package storage provides the document stores behind Runway's record collections.

A Store holds schemaless JSON documents grouped into named collections and
supports single-document writes plus live watches. Two backends are provided:

	┌──────────────────── DOCUMENT STORAGE ─────────────────────┐
	│                                                             │
	│  ┌─────────────────────────┐   ┌─────────────────────────┐ │
	│  │       BoltStore          │   │      RethinkStore        │ │
	│  │  - File: <dataDir>/      │   │  - One table per         │ │
	│  │    runway.db             │   │    collection            │ │
	│  │  - One bucket per        │   │  - Changefeeds with      │ │
	│  │    collection            │   │    include_initial       │ │
	│  │  - Events broker for     │   │  - Reconnect with        │ │
	│  │    live watches          │   │    backoff               │ │
	│  └────────────┬────────────┘   └────────────┬────────────┘ │
	│               └──────────────┬──────────────┘              │
	│                              ▼                              │
	│                   Stream of Batch values                    │
	│        (Reset snapshot, then incremental changes)           │
	└─────────────────────────────────────────────────────────────┘

# Watches

Watch returns a Stream whose first batch has Reset set and carries every
document currently in the collection. Later batches carry committed changes
in commit order. A batch with Err set reports an interruption; the stream
keeps running and follows it with a new Reset batch once it has resynced.
The channel closes only when the watch is canceled or the store closes.

BoltStore serializes commit and publish under one mutex and records the
broker sequence alongside each snapshot, so a watcher never sees a change
twice or misses one between snapshot and follow. A watcher that falls
behind the broker is cut off and resyncs.

RethinkStore delegates ordering and the initial snapshot to the server's
changefeed. When the query carries a Limit it uses an ordered top-N feed
over a secondary index on the order field.

# Writes

Create fails with ErrConflict when the id already exists. Update merges a
patch into the stored document, removing fields whose patch value is nil,
and fails with ErrNotFound when the document is absent. Delete fails with
ErrNotFound when the document is absent.

# Timestamps

BoltStore stores time.Time values as {"seconds": n, "nanoseconds": n}
objects. RethinkStore keeps the driver's native time type. Readers should
not depend on either encoding; pkg/recordstore normalizes both.

# Errors

Backend failures are wrapped with ErrPermissionDenied or ErrUnavailable
where they can be recognized, so callers can classify them with errors.Is.

# Usage

	store, err := storage.NewBoltStore("/var/lib/runway")
	if err != nil {
		return err
	}
	defer store.Close()

	stream, err := store.Watch(ctx, storage.Query{Collection: "incidents"})
	if err != nil {
		return err
	}
	defer stream.Cancel()

	for batch := range stream.C {
		if batch.Err != nil {
			continue
		}
		// apply batch.Changes
	}
*/
package storage
