// Package connsvc manages connection lifecycle: idempotent registration,
// persisted topic subscriptions with TTL, cascade teardown on disconnect or
// failed push, and the push path itself.
package connsvc
