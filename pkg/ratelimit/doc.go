// Package ratelimit paces calls to the remote API.
//
// TokenBucket wraps golang.org/x/time/rate behind the small Limiter
// interface the API client depends on. PerMinute builds a limiter from
// configuration and returns Unlimited when limiting is turned off.
package ratelimit
