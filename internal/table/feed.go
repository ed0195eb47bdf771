package table

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// ChangeKind classifies a row mutation.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeModify ChangeKind = "modify"
	ChangeRemove ChangeKind = "remove"
)

// Change is one row-level mutation event. NewItem is the row after the
// mutation, nil for removes.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Key     Key        `json:"key"`
	NewItem Item       `json:"newItem,omitempty"`
}

// Entry is a Change with its position in a feed partition.
type Entry struct {
	Partition uint32
	Seq       uint64
	Change    Change
}

// Change record encoding: varint headerLen | header(kind) | payload(json) | crc32c(header|payload)

func encodeChange(c Change) ([]byte, error) {
	header := []byte(c.Kind)
	payload, err := json.Marshal(struct {
		Key     Key  `json:"key"`
		NewItem Item `json:"newItem,omitempty"`
	}{Key: c.Key, NewItem: c.NewItem})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out, nil
}

func decodeChange(b []byte) (Change, bool) {
	if len(b) < 1+4 {
		return Change{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || int(n)+int(hlen)+4 > len(b) {
		return Change{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return Change{}, false
	}
	var body struct {
		Key     Key  `json:"key"`
		NewItem Item `json:"newItem,omitempty"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Change{}, false
	}
	return Change{Kind: ChangeKind(header), Key: body.Key, NewItem: body.NewItem}, true
}

type feedPartition struct {
	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// feed is the table's change stream: one ordered, durable log per feed
// partition, appended in the same Pebble batch as the row mutation it
// describes.
type feed struct {
	table string
	parts []*feedPartition
}

func openFeed(t *Table, numPartitions int) *feed {
	f := &feed{table: t.name, parts: make([]*feedPartition, numPartitions)}
	for i := range f.parts {
		p := &feedPartition{notifyCh: make(chan struct{})}
		if meta, err := t.db.Get(feedMetaKey(t.name, uint32(i))); err == nil && len(meta) >= 8 {
			p.lastSeq = binary.BigEndian.Uint64(meta[:8])
		}
		f.parts[i] = p
	}
	return f
}

// stageAll stages feed records for the given changes into b, locking the
// owning feed partitions in ascending order (concurrent stagers cannot
// deadlock). The returned release publishes the new sequences and wakes
// blocked readers when the batch committed, then unlocks.
func (f *feed) stageAll(b *pebble.Batch, changes []Change) (release func(committed bool), err error) {
	needed := make([]uint32, 0, len(changes))
	seen := make(map[uint32]bool, len(changes))
	for _, c := range changes {
		part := feedPartitionFor(c.Key.Partition, len(f.parts))
		if !seen[part] {
			seen[part] = true
			needed = append(needed, part)
		}
	}
	sort.Slice(needed, func(i, j int) bool { return needed[i] < needed[j] })
	for _, part := range needed {
		f.parts[part].mu.Lock()
	}
	unlock := func() {
		for _, part := range needed {
			f.parts[part].mu.Unlock()
		}
	}

	next := make(map[uint32]uint64, len(needed))
	for _, part := range needed {
		next[part] = f.parts[part].lastSeq
	}
	for _, c := range changes {
		part := feedPartitionFor(c.Key.Partition, len(f.parts))
		next[part]++
		val, err := encodeChange(c)
		if err != nil {
			unlock()
			return nil, err
		}
		if err := b.Set(feedEntryKey(f.table, part, next[part]), val, nil); err != nil {
			unlock()
			return nil, err
		}
	}
	for _, part := range needed {
		var meta [8]byte
		binary.BigEndian.PutUint64(meta[:], next[part])
		if err := b.Set(feedMetaKey(f.table, part), meta[:], nil); err != nil {
			unlock()
			return nil, err
		}
	}

	return func(committed bool) {
		if committed {
			for _, part := range needed {
				p := f.parts[part]
				p.lastSeq = next[part]
				close(p.notifyCh)
				p.notifyCh = make(chan struct{})
			}
		}
		unlock()
	}, nil
}

// FeedPartitions returns the number of change-feed partitions.
func (t *Table) FeedPartitions() int { return len(t.feed.parts) }

// ReadFeed returns up to limit entries from one feed partition starting after
// the given sequence.
func (t *Table) ReadFeed(partition uint32, afterSeq uint64, limit int) ([]Entry, error) {
	low := feedEntryKey(t.name, partition, afterSeq+1)
	hi := feedEntryKey(t.name, partition, ^uint64(0))
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for ok := iter.First(); ok && (limit <= 0 || len(out) < limit); ok = iter.Next() {
		key := iter.Key()
		seq := binary.BigEndian.Uint64(key[len(key)-8:])
		c, valid := decodeChange(iter.Value())
		if !valid {
			// Torn or foreign record: skip rather than fail the feed.
			continue
		}
		out = append(out, Entry{Partition: partition, Seq: seq, Change: c})
	}
	return out, nil
}

// WaitForChange blocks until a new change lands on the feed partition or the
// timeout elapses. Returns true when woken by an append.
func (t *Table) WaitForChange(partition uint32, timeout time.Duration) bool {
	p := t.feed.parts[partition]
	p.mu.Lock()
	ch := p.notifyCh
	p.mu.Unlock()
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// CommitCursor durably stores the last processed sequence for a consumer
// group on one feed partition. Lower-than-stored commits are ignored, which
// keeps replays idempotent.
func (t *Table) CommitCursor(group string, partition uint32, seq uint64) error {
	key := feedCursorKey(t.name, group, partition)
	if cur, err := t.db.Get(key); err == nil && len(cur) >= 8 {
		if seq <= binary.BigEndian.Uint64(cur[:8]) {
			return nil
		}
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return t.db.Set(key, b[:])
}

// Cursor loads the stored sequence for a consumer group on one feed partition.
func (t *Table) Cursor(group string, partition uint32) (uint64, bool) {
	cur, err := t.db.Get(feedCursorKey(t.name, group, partition))
	if err != nil || len(cur) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(cur[:8]), true
}
