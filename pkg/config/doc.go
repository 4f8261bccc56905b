// Package config loads tally configuration from environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	TALLY_HTTP_ADDR=":8080"
//	TALLY_HEALTH_ADDR=":9090"
//	TALLY_RATE_LIMIT_PER_MINUTE="600"
//
// Database settings:
//
//	DATABASE_URL="postgres://localhost/tally?sslmode=disable"
//	DATABASE_REPLICA_URLS="postgres://replica-1/tally,postgres://replica-2/tally"
//	TALLY_DB_MAX_OPEN_CONNS="25"
//	TALLY_MIGRATE_ON_START="true"
//
// Payments:
//
//	STRIPE_SECRET_KEY="sk_live_..."
//	STRIPE_WEBHOOK_SECRET="whsec_..."
//
// Period roller:
//
//	TALLY_ROLLOVER_SCHEDULE="@hourly"
//	TALLY_ROLLOVER_PRICING="usage"   # usage or flat
//	TALLY_ROLLOVER_WORKERS="8"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.ValidateAPI(); err != nil {
//	    log.Fatal(err)
//	}
//
// Validate covers settings shared by both binaries; ValidateAPI and
// ValidateRoller add the checks specific to each process.
package config
