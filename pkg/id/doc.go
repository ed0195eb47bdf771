// Package id provides a 128-bit, lexicographically sortable identifier.
//
// # Format
//
// The ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence].
// Sorting the hex encoding sorts by generation time, which keeps a channel's
// message stream ordered when ids are used as sort-key suffixes.
package id
