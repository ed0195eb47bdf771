package scheduler

import "encoding/binary"

// Key layout, alongside the table's keyspace in the shared store:
//
//	sched/t/{id}                task record (JSON)
//	sched/d/{ready_at_ms}/{id}  due index, ready time big-endian
const (
	prefixTask = "sched/t/"
	prefixDue  = "sched/d/"
)

func taskKey(id string) []byte {
	return append([]byte(prefixTask), id...)
}

func dueKey(readyAtMs int64, id string) []byte {
	key := make([]byte, 0, len(prefixDue)+8+1+len(id))
	key = append(key, prefixDue...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(readyAtMs))
	key = append(key, buf[:]...)
	key = append(key, '/')
	return append(key, id...)
}

// duePrefixUpperBound bounds a due-index scan to entries ready at or before
// nowMs.
func duePrefixUpperBound(nowMs int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(nowMs)+1)
	return append([]byte(prefixDue), buf[:]...)
}
