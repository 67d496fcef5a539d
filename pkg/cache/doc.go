// Package cache stores downloaded AEMET forecast payloads in Redis.
//
// AEMET elaborates the municipal daily forecast a few times a day, and every
// stage-2 download costs a stage-1 request against the per-key quota. Keeping
// the last payload per municipality and forecast date lets a re-run of a
// partially failed batch skip the municipalities that already succeeded.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{MunicipalityID: "28079", Date: "2025-04-10"}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Fetch from AEMET, then:
//		_ = manager.Set(ctx, key, cache.NewEntry("28079", body, 6*time.Hour))
//	}
//
// # Metrics
//
//   - aemet_cache_hits_total{layer="redis"} - Cache hits
//   - aemet_cache_misses_total - Cache misses
//   - aemet_cache_size_bytes{layer="redis"} - Bytes written and read
//   - aemet_cache_errors_total{operation} - Cache operation errors
package cache
