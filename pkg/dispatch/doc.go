/*
Package dispatch implements the transactional assignment of pending builds
to polling workers.

The entire claim runs inside one store transaction with a 5 second deadline:
select the oldest pending build (restricted to the worker's platforms), mark
it assigned, mark the worker building, commit. Under contention each
concurrent caller commits a distinct build or observes an empty queue.

Errors are split into transient (worker busy, offline, unknown — the queue
keeps the build) and permanent (everything else — the queue fails the build
in the store before dropping it). IsTransient is the single source of truth
for that split.
*/
package dispatch
