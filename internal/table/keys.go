package table

import (
	"encoding/binary"
	"hash/crc32"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - t/{table}/i/{partition}/{sort}          row data
// - t/{table}/f/{part_be4}/m                feed partition metadata
// - t/{table}/f/{part_be4}/e/{seq_be8}      feed entries, ordered by sequence
// - t/{table}/c/{group}/{part_be4}          durable feed cursor per group
//
// Partition and sort keys never contain '/', so the segments are unambiguous.

var (
	sep      = byte('/')
	tblSeg   = []byte("t/")
	itemSeg  = []byte("/i/")
	feedSeg  = []byte("/f/")
	cursSeg  = []byte("/c/")
	metaSfx  = []byte("/m")
	entrySeg = []byte("/e/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// itemKey builds the row key for (partition, sort).
func itemKey(table, partition, sort string) []byte {
	k := make([]byte, 0, len(table)+len(partition)+len(sort)+8)
	k = append(k, tblSeg...)
	k = append(k, table...)
	k = append(k, itemSeg...)
	k = append(k, partition...)
	k = append(k, sep)
	k = append(k, sort...)
	return k
}

// itemPrefix builds the scan prefix for (partition, sortPrefix). An empty
// sortPrefix matches every row under the partition.
func itemPrefix(table, partition, sortPrefix string) []byte {
	k := make([]byte, 0, len(table)+len(partition)+len(sortPrefix)+8)
	k = append(k, tblSeg...)
	k = append(k, table...)
	k = append(k, itemSeg...)
	k = append(k, partition...)
	k = append(k, sep)
	k = append(k, sortPrefix...)
	return k
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// splitItemKey parses a row key back into (partition, sort).
func splitItemKey(table string, key []byte) (Key, bool) {
	prefix := len(tblSeg) + len(table) + len(itemSeg)
	if len(key) < prefix {
		return Key{}, false
	}
	rest := key[prefix:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == sep {
			return Key{Partition: string(rest[:i]), Sort: string(rest[i+1:])}, true
		}
	}
	return Key{}, false
}

// feedMetaKey builds the feed partition metadata key.
func feedMetaKey(table string, partition uint32) []byte {
	k := make([]byte, 0, len(table)+16)
	k = append(k, tblSeg...)
	k = append(k, table...)
	k = append(k, feedSeg...)
	k = appendBE4(k, partition)
	k = append(k, metaSfx...)
	return k
}

// feedEntryKey builds a feed entry key with a big-endian sequence for ordering.
func feedEntryKey(table string, partition uint32, seq uint64) []byte {
	k := make([]byte, 0, len(table)+24)
	k = append(k, tblSeg...)
	k = append(k, table...)
	k = append(k, feedSeg...)
	k = appendBE4(k, partition)
	k = append(k, entrySeg...)
	k = appendBE8(k, seq)
	return k
}

// feedCursorKey builds the durable cursor key for a consumer group/partition.
func feedCursorKey(table, group string, partition uint32) []byte {
	k := make([]byte, 0, len(table)+len(group)+16)
	k = append(k, tblSeg...)
	k = append(k, table...)
	k = append(k, cursSeg...)
	k = append(k, group...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	return k
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// feedPartitionFor assigns a partition key to a feed partition. All mutations
// of one partition key land on one feed partition, which is what gives the
// feed its per-partition ordering guarantee.
func feedPartitionFor(partition string, numPartitions int) uint32 {
	if numPartitions <= 1 {
		return 0
	}
	return crc32.Checksum([]byte(partition), castagnoli) % uint32(numPartitions)
}
