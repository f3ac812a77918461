// Package jobmanager provides the transactional job engine of unitd.
//
// A Registry holds units, their alias names and the dependency edges
// declared between them. Every dependency verb maps to a set of Atoms which
// describe how jobs propagate along the edge.
//
// A request to change the state of one unit is expanded into a transaction:
// the closure of jobs implied by the unit's dependencies. The transaction is
// merged, checked for ordering cycles, reconciled with jobs already queued
// and then committed in full, or rejected without touching the job table.
//
// The Manager owns the Registry and the live job table and runs them on a
// single reactor goroutine (see Manager.Run). Committed jobs are dispatched
// to a Backend once nothing ordered before them is pending, and their
// completion drives failure propagation and follow-up jobs.
package jobmanager
