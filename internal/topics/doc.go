// Package topics defines the fixed key-prefix scheme that multiplexes
// several logical indexes onto the one table (conversation and channel
// aggregates, the channel→conversation reverse index, subscription records,
// message streams, per-user and per-connection aggregates), and the single
// decode step that turns a raw row into a tagged variant for dispatch.
package topics
