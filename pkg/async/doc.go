// Package async provides panic-safe concurrent execution helpers.
//
// SafeGo runs a fire-and-forget task with a timeout and logs its failure:
//
//	async.SafeGo(ctx, logger, 10*time.Minute, "startup rollover", func(ctx context.Context) error {
//		_, err := roller.Run(ctx)
//		return err
//	})
//
// Batch fans a slice out to a bounded number of workers and collects every
// error without stopping the remaining items:
//
//	errs := async.Batch(ctx, subscriptionIDs, workers, timeout, rollOne)
//
// Panics in either helper are recovered and reported as errors wrapping ErrPanic.
package async
