package table

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// maxBatchItems is the backend's per-request item cap. Larger logical batches
// are chunked and the chunks issued concurrently.
const maxBatchItems = 25

// BatchWrite is one element of a batched write: a put, or a delete when
// Delete is set.
type BatchWrite struct {
	Key    Key
	Item   Item
	Delete bool
}

// BatchGet loads many rows, chunked to the per-request cap with chunks read
// concurrently. Absent and expired rows are simply missing from the result.
func (t *Table) BatchGet(ctx context.Context, keys []Key) (map[Key]Item, error) {
	out := make(map[Key]Item, len(keys))
	var mu sync.Mutex
	err := t.runChunks(len(keys), func(lo, hi int) error {
		for _, key := range keys[lo:hi] {
			it, err := t.readItem(key)
			if err != nil {
				return err
			}
			if it == nil {
				continue
			}
			mu.Lock()
			out[key] = it
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchPut writes many rows unconditionally.
func (t *Table) BatchPut(ctx context.Context, rows []Row) error {
	writes := make([]BatchWrite, len(rows))
	for i, r := range rows {
		writes[i] = BatchWrite{Key: r.Key, Item: r.Item}
	}
	return t.BatchWrite(ctx, writes)
}

// BatchDelete removes many rows unconditionally.
func (t *Table) BatchDelete(ctx context.Context, keys []Key) error {
	writes := make([]BatchWrite, len(keys))
	for i, k := range keys {
		writes[i] = BatchWrite{Key: k, Delete: true}
	}
	return t.BatchWrite(ctx, writes)
}

// BatchWrite applies puts and deletes, chunked to the per-request cap with
// chunks committed concurrently. Each chunk is one underlying request; the
// logical operation resolves only once every chunk has.
func (t *Table) BatchWrite(ctx context.Context, writes []BatchWrite) error {
	return t.runChunks(len(writes), func(lo, hi int) error {
		return t.commitChunk(ctx, writes[lo:hi])
	})
}

// runChunks slices [0,n) into cap-sized chunks and runs fn concurrently per
// chunk, returning the first error once all chunks finish.
func (t *Table) runChunks(n int, fn func(lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	var wg sync.WaitGroup
	errs := make([]error, (n+maxBatchItems-1)/maxBatchItems)
	for i := 0; i*maxBatchItems < n; i++ {
		lo := i * maxBatchItems
		hi := lo + maxBatchItems
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(i, lo, hi int) {
			defer wg.Done()
			errs[i] = fn(lo, hi)
		}(i, lo, hi)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// commitChunk applies one chunk as a single committed batch: stripe locks
// taken in ascending order, row writes plus their feed records staged
// together.
func (t *Table) commitChunk(ctx context.Context, writes []BatchWrite) error {
	idx := make([]int, 0, len(writes))
	seen := make(map[int]bool, len(writes))
	for _, w := range writes {
		s := stripeIndex(w.Key.Partition)
		if !seen[s] {
			seen[s] = true
			idx = append(idx, s)
		}
	}
	sort.Ints(idx)
	for _, s := range idx {
		t.stripes[s].Lock()
	}
	defer func() {
		for _, s := range idx {
			t.stripes[s].Unlock()
		}
	}()

	b := t.db.NewBatch()
	defer b.Close()

	changes := make([]Change, 0, len(writes))
	for _, w := range writes {
		old, err := t.readItem(w.Key)
		if err != nil {
			return err
		}
		if w.Delete {
			if old == nil {
				continue
			}
			if err := b.Delete(itemKey(t.name, w.Key.Partition, w.Key.Sort), nil); err != nil {
				return err
			}
			changes = append(changes, Change{Kind: ChangeRemove, Key: w.Key})
			continue
		}
		it := w.Item.Clone()
		raw, err := json.Marshal(it)
		if err != nil {
			return err
		}
		if err := b.Set(itemKey(t.name, w.Key.Partition, w.Key.Sort), raw, nil); err != nil {
			return err
		}
		kind := ChangeInsert
		if old != nil {
			kind = ChangeModify
		}
		changes = append(changes, Change{Kind: kind, Key: w.Key, NewItem: it})
	}
	if len(changes) == 0 {
		return nil
	}

	release, err := t.feed.stageAll(b, changes)
	if err != nil {
		return err
	}
	err = t.db.CommitBatch(ctx, b)
	release(err == nil)
	return err
}
