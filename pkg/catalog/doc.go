// Package catalog caches the plan catalog and loads additional plans from a
// YAML file at startup.
//
// Lookups go through two tiers: an expirable in-process LRU and, when
// configured, Redis shared by every replica. Concurrent misses are collapsed
// with singleflight so a cold cache issues one database query.
//
//	store := billing.NewPostgresPlanStore(db)
//	if cfg.Catalog.File != "" {
//	    added, err := catalog.Sync(ctx, store, cfg.Catalog.File)
//	}
//	plans := catalog.NewCachedCatalog(store, redisClient, cfg.Catalog.CacheTTL, metrics, logger)
package catalog
