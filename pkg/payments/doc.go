// Package payments collects invoices and reconciles the results.
//
// An Initiator asks a Provider (Stripe in production) to create a payment
// intent for an open invoice and records a pending payment. Outcomes arrive
// later as webhooks: a Verifier authenticates the delivery and a Reconciler
// applies it, updating the payment and its invoice in one transaction.
// Event ids are recorded so a redelivered event changes nothing.
package payments
