// Package cache is a process-local key-value cache with LRU eviction and
// per-entry TTL.
//
// [LRU] is safe for concurrent use. A single goroutine owns the entries and
// callers talk to it over channels, so no lock is held by callers:
//
//	c := cache.NewLRU(cache.LRUOpts{Size: 1000, Sliding: true})
//	defer c.Close()
//
//	c.Put("acc-1", account, cache.WithTTL(5*time.Minute))
//	if v, ok := c.Get("acc-1"); ok {
//	    // ...
//	}
//
// [NewTyped] wraps a cache for values of one type:
//
//	accounts := cache.NewTyped[*Account](c)
//	acc, ok := accounts.Get("acc-1")
//
// Expired entries are evicted lazily on access. With LRUOpts.Sliding every
// hit renews the entry's TTL, so frequently loaded aggregates stay cached.
package cache
