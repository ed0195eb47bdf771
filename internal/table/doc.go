// Package table implements a wide-column composite-key table over Pebble:
// typed attributes (string, number, string-set), conditional create-once
// writes, commutative set updates, partition-equality plus sort-prefix
// queries, capped concurrent batches, and a per-partition change feed
// appended atomically with every row mutation.
//
// The change feed is the substrate's trigger mechanism: dispatchers read it
// with durable group cursors and re-evaluate subscriber queries against the
// new row. Ordering is guaranteed per feed partition only, and delivery is
// at-least-once.
package table
