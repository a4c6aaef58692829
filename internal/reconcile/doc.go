// Package reconcile turns device punches into persisted attendance records
// and runs device sync jobs.
//
// The Engine applies one batch of punches to an attendance.Store exactly once
// per logical punch. Each punch is handled independently: a failure is
// recorded in Result.Errors and the batch continues.
//
// The Syncer wraps the engine with a device connection, a SyncLog row per run,
// a single reconnect-and-retry on transient transport errors, and the device
// status upsert. The Scheduler runs the Syncer on an interval.
//
//	engine := reconcile.NewEngine(repo, client, reconcile.WithLogger(log))
//	res := engine.Reconcile(ctx, punches)
//	fmt.Println(res.NewCount, res.UpdatedCount, len(res.Errors))
package reconcile
