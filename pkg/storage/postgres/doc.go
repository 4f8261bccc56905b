// Package postgres holds the storage plumbing shared by the tally binaries:
// the primary/replica ConnectionManager, the embedded schema Migrator and a
// thin Redis client used for caching and rate limiting.
//
//	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
//	    PrimaryURL:   cfg.Database.URL,
//	    ReplicaURLs:  cfg.Database.ReplicaURLs,
//	    MaxOpenConns: cfg.Database.MaxOpenConns,
//	    Timeout:      cfg.Database.Timeout,
//	}, logger)
//
// Writes and every transaction go to Primary(); list endpoints read from
// Replica(), which falls back to the primary when no replica is healthy.
package postgres
