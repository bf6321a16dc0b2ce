/*
Package queue maintains the in-memory FIFO of pending build IDs that feeds
the dispatcher.

The queue is a mutex-guarded cache of the store's pending set, ordered by
submission time. It owns no authoritative state: startup (and any observed
inconsistency) rebuilds it from the store, and every removal is witnessed by
a store transition — either into assigned via the dispatcher or into failed
when dispatch reports a permanent error. Transient dispatch errors (worker
busy, offline, unknown) retain the build at its position.

No I/O runs while the mutex is held.
*/
package queue
