// Package cluster coordinates multiple engine hosts sharing one store:
// worker registration, heartbeats, and leader election.
//
// Each running engine registers itself as a [Worker] with a unique
// [id.WorkerID], its hostname, and its step concurrency. Workers send
// periodic heartbeats; one missing past the configured threshold is
// considered dead and its in-flight step dispatches are eligible for
// re-dispatch on restart.
//
// One worker at a time holds leadership. The leader fires scheduled
// triggers and reaps dead workers. Leadership is managed by
// [Store.AcquireLeadership]; a leader that loses its hold mid-operation
// sees [riparius.ErrLeadershipLost].
package cluster
