// Package ratelimit paces outgoing calls against a remote node's advertised quota.
//
// A Limiter wraps a target function. Every Invoke either dispatches the target
// on the next scheduler turn or parks a retry until the believed reset time.
// Responses are fed back through Headers, which reconciles the
// draft-polli-ratelimit-headers fields (RateLimit-Limit, RateLimit-Remaining,
// RateLimit-Reset) and Retry-After with error statuses.
//
// Nodes that never send quota headers are detected on the first response. From
// then on a FallbackEstimator emulates a fixed window quota on the client side.
//
// A Limiter is not safe for concurrent use. Invoke, Headers, Release and State
// must all run on the goroutine that executes the Scheduler's tasks.
package ratelimit
