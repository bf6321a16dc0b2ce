/*
Package types defines the core data structures shared across all Forge
controller components.

Builds and workers are the two independently owned rows in the store; every
other component holds at most a derived view of them. Status values are
closed string variants checked at the JSON edge, so the lifecycle invariants
(worker_id set iff assigned or once-assigned, result_path set iff completed,
error_message set iff failed) hold by construction inside the core.

Build lifecycle:

	pending → assigned → building → completed
	                 \          \→ failed
	                  \→ cancelled (from any non-terminal state)

Worker lifecycle:

	idle → building → idle
	   \→ offline (stale last_seen_at) → idle (re-register)

Nullable columns are represented by zero values: an empty WorkerID means
never assigned, a zero LastHeartbeatAt means never heartbeated.
*/
package types
