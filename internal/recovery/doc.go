// Package recovery drives the recovery of one failed segment replica from its
// live peer.
//
// A Job owns a single types.RecoveryRequest and runs exactly once. The two
// request kinds share one contract, Job.Execute, and differ only in the data
// transfer step:
//
//   - full: pg_basebackup, with a single escalation that creates the
//     replication slot and forces overwrite when the first attempt fails;
//   - incremental: pg_rewind, never retried.
//
// After a successful transfer both kinds record a history row on the source,
// set the target's port in postgresql.conf and start the target as a mirror
// in utility mode, in that order. The first failure aborts the job and is
// returned as a *PhasedError naming the phase that was in progress.
package recovery
