// Package pricing holds the pure charge rules used by invoice generation.
//
// # Plan prices
//
// Every plan has a flat base price in cents. The built-in table is:
//
//	basic  9900
//	pro   19900
//	ent   49900
//
// An unknown plan code prices at 0. Plan existence is checked when a
// subscription is created, so a zero base charge only shows up for plans
// that were removed from the catalog after the fact.
//
// # Usage overage
//
// The first 100,000 units in a period are free. Everything above is billed
// in blocks of 1,000 units at 20 cents per block, and a partial block is
// billed as a full one:
//
//	UsageCharge(100000) == 0
//	UsageCharge(100001) == 20
//	UsageCharge(101000) == 20
//	UsageCharge(101001) == 40
//
// # Periods
//
// A billing period is a half-open interval [start, end) of exactly 30 days.
// Calendar months are not used.
package pricing
