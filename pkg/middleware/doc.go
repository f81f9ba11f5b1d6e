// Package middleware rate limits the custodian API.
//
// Requests are keyed by the X-Actor-ID header when present and by client
// address otherwise. Two limiters are provided:
//
//	// single process, token bucket
//	limiter := middleware.NewRateLimiter(cfg)
//
//	// shared across replicas, fixed window in Redis
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "custodian:ratelimit")
//
//	router.Use(middleware.RateLimit(limiter, log))
//
// A limiter error lets the request through and is logged at warn level.
package middleware
