// Package pebblestore provides a thin wrapper around Pebble with fsync
// policy and batch helpers. All of strand's persisted state (table rows,
// change feed entries, scheduler tasks) shares this one keyspace.
package pebblestore
