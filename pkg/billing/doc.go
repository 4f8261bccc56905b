// Package billing provides users, subscriptions, usage metering and invoice
// generation on PostgreSQL.
//
// # Plans
//
// Three plans are seeded: basic ($99/month), pro ($199/month) and ent
// ($499/month). Every plan includes 100,000 metered units per 30-day period;
// each started block of 1,000 units beyond that costs $0.20.
//
// # Usage Example
//
//	sub, err := service.CreateSubscription(ctx, &billing.CreateSubscriptionRequest{
//		UserID:   userID,
//		PlanCode: pricing.PlanPro,
//	})
//
//	err = service.RecordUsage(ctx, &billing.RecordUsageRequest{
//		UserID:   userID,
//		Metric:   "api_calls",
//		Quantity: 150000,
//	})
//
//	result, err := service.GenerateInvoice(ctx, userID)
//	fmt.Printf("Amount due: $%.2f\n", float64(result.Invoice.AmountCents)/100.0)
//
// # Exactly-once invoicing
//
// invoices has a unique (subscription_id, period_start) constraint and every
// insert uses ON CONFLICT DO NOTHING, so generating twice for the same period
// returns the stored invoice instead of creating a second one. ComputeCharge
// and InsertInvoice take a Queryer so the period roller can run them inside
// its own transaction.
//
// # Errors
//
// Every returned error wraps one of ErrNotFound, ErrValidation,
// ErrVerification, ErrTransientStorage or ErrFatalStorage.
package billing
