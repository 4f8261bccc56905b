// Package rollover closes elapsed billing periods.
//
// A Roller selects active subscriptions whose current period has ended and,
// for each elapsed period, prices it, writes its invoice and advances the
// subscription to the next contiguous period inside a single transaction.
// Rows are claimed with FOR UPDATE SKIP LOCKED and the period advance is
// guarded on the previous period end, so any number of concurrent rollers
// produce exactly one invoice per period.
//
// A Scheduler drives a Roller from a cron expression:
//
//	roller := rollover.NewRoller(db, catalog, rollover.DefaultConfig(), metrics, logger)
//	sched, err := rollover.NewScheduler(roller, "@hourly", 10*time.Minute, logger)
//	sched.Start()
//	defer sched.Stop(ctx)
package rollover
