/*
Package storage provides SQLite-backed persistence for the Forge controller.

The store owns the authoritative state of every build and worker. All other
components (queue, dispatcher, monitor) hold derived views that can be
rebuilt from here; on any conflict the store wins.

# Schema

	builds      one row per submitted build (status state machine)
	workers     one row per registered worker machine
	build_logs  append-only log entries, monotonically sequenced

# Locking model

The database is opened with _txlock=immediate and a 5s busy_timeout. The
assignment hot path opens a Tx, selects the oldest pending row, and performs
both row updates before committing. On engines with row-level locking this
select would be FOR UPDATE SKIP LOCKED; SQLite's single-writer model gives
the same exactly-once guarantee by serializing claim transactions on the
write lock instead of skipping rows. N concurrent claimers each commit a
distinct row or observe an empty queue; none ever observe the same row.

All writes carry context deadlines: 5 seconds for single-row writes and
sweeps, 10 seconds for bulk log insertion.
*/
package storage
