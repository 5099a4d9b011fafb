// Package writebehind drains persistence requests into an entity store in
// the background.
//
// A [Pool] owns one unbounded FIFO queue, one permanent worker and up to
// [Options.MaxWorkers] transient burst workers. Producers never block:
// AsyncStore and friends enqueue and return. Consecutive mergeable requests
// (single object, update allowed) are batched into one transaction of up to
// [Options.MergeSize] objects; everything else is applied in queue order.
//
// When the queue grows beyond [Options.BurstLimit], a producer spawns a
// burst worker, at most one per [Options.ScaleUpInterval]. Burst workers
// exit after [Options.IdleTimeout] without work.
//
// [Pool.Shutdown] stops accepting requests, lets the workers drain what is
// queued and closes the backend.
package writebehind
