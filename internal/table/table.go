package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/tidewave/strand/internal/storage/pebble"
)

// ErrConflict reports a conditional write whose precondition failed: a
// create-if-absent hit an existing row, or a must-exist update hit a missing
// one. Callers recover locally ("already exists" / "already gone").
var ErrConflict = errors.New("table: conditional write conflict")

// AttrExpires is the reserved attribute carrying a row's expiry as unix
// seconds. Expired rows read as absent.
const AttrExpires = "expiresAt"

const numStripes = 64

// Table is a wide-column composite-key table over Pebble: typed attributes,
// conditional writes, commutative set updates, partition/sort-prefix queries,
// and a per-partition change feed appended atomically with each mutation.
type Table struct {
	db      *pebblestore.DB
	name    string
	feed    *feed
	stripes [numStripes]sync.Mutex

	// now is swappable in tests to exercise TTL expiry.
	now func() time.Time
}

// Options configures a Table.
type Options struct {
	// Name segregates this table's rows in the shared keyspace.
	Name string
	// FeedPartitions fixes the number of change-feed partitions. Defaults to 4.
	FeedPartitions int
}

// Open initializes a Table over the given store.
func Open(db *pebblestore.DB, opts Options) (*Table, error) {
	if opts.Name == "" {
		return nil, errors.New("table: Options.Name is required")
	}
	if opts.FeedPartitions <= 0 {
		opts.FeedPartitions = 4
	}
	t := &Table{db: db, name: opts.Name, now: time.Now}
	t.feed = openFeed(t, opts.FeedPartitions)
	return t, nil
}

func stripeIndex(partition string) int {
	return int(crc32.Checksum([]byte(partition), castagnoli) % numStripes)
}

func (t *Table) stripe(partition string) *sync.Mutex {
	return &t.stripes[stripeIndex(partition)]
}

func (t *Table) expired(it Item) bool {
	v, ok := it[AttrExpires]
	if !ok || v.Kind != KindNumber || v.Num <= 0 {
		return false
	}
	return int64(v.Num) <= t.now().Unix()
}

// readItem loads and decodes a row, treating expired rows as absent.
func (t *Table) readItem(key Key) (Item, error) {
	raw, err := t.db.Get(itemKey(t.name, key.Partition, key.Sort))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("table: corrupt row %s: %w", key, err)
	}
	if t.expired(it) {
		return nil, nil
	}
	return it, nil
}

// Get returns the row at key, or nil when absent.
func (t *Table) Get(ctx context.Context, key Key) (Item, error) {
	return t.readItem(key)
}

// writeLocked commits one row mutation plus its feed record. Callers hold the
// partition stripe.
func (t *Table) writeLocked(ctx context.Context, key Key, it Item, kind ChangeKind) error {
	b := t.db.NewBatch()
	defer b.Close()

	if kind == ChangeRemove {
		if err := b.Delete(itemKey(t.name, key.Partition, key.Sort), nil); err != nil {
			return err
		}
	} else {
		raw, err := json.Marshal(it)
		if err != nil {
			return err
		}
		if err := b.Set(itemKey(t.name, key.Partition, key.Sort), raw, nil); err != nil {
			return err
		}
	}

	var newItem Item
	if kind != ChangeRemove {
		newItem = it
	}
	release, err := t.feed.stageAll(b, []Change{{Kind: kind, Key: key, NewItem: newItem}})
	if err != nil {
		return err
	}
	err = t.db.CommitBatch(ctx, b)
	release(err == nil)
	return err
}

// Put writes the row at key. With ifAbsent true it fails with ErrConflict when
// an unexpired row already exists (create-once semantics).
func (t *Table) Put(ctx context.Context, key Key, it Item, ifAbsent bool) error {
	mu := t.stripe(key.Partition)
	mu.Lock()
	defer mu.Unlock()

	old, err := t.readItem(key)
	if err != nil {
		return err
	}
	if ifAbsent && old != nil {
		return ErrConflict
	}
	kind := ChangeInsert
	if old != nil {
		kind = ChangeModify
	}
	return t.writeLocked(ctx, key, it.Clone(), kind)
}

// OpKind enumerates update operations.
type OpKind int

const (
	// OpAdd unions members into a string set, or adds to a number.
	OpAdd OpKind = iota
	// OpDelete removes members from a string set.
	OpDelete
	// OpSet assigns a scalar attribute.
	OpSet
	// OpRemove drops an attribute.
	OpRemove
)

// Op is one attribute mutation inside an Update.
type Op struct {
	Kind  OpKind
	Name  string
	Value Value
}

// AddOp unions v's members into the named set (or adds to a number).
func AddOp(name string, v Value) Op { return Op{Kind: OpAdd, Name: name, Value: v} }

// DeleteOp removes v's members from the named set.
func DeleteOp(name string, v Value) Op { return Op{Kind: OpDelete, Name: name, Value: v} }

// SetOp assigns the named attribute.
func SetOp(name string, v Value) Op { return Op{Kind: OpSet, Name: name, Value: v} }

// RemoveOp drops the named attribute.
func RemoveOp(name string) Op { return Op{Kind: OpRemove, Name: name} }

// UpdateOptions controls Update behavior.
type UpdateOptions struct {
	// ReturnOld returns the row as it was before the update.
	ReturnOld bool
	// MustExist fails with ErrConflict when the row is absent instead of
	// creating it.
	MustExist bool
	// ExpectSet, when ExpectAttr is non-empty, requires the named attribute to
	// equal ExpectValue before applying (compare-and-swap). An absent
	// attribute matches an empty-string expectation.
	ExpectAttr  string
	ExpectValue string
}

// Update applies ops to the row at key. ADD/DELETE on sets commute under
// concurrent writers; SET/REMOVE replace scalars. Absent rows are created
// unless MustExist is set.
func (t *Table) Update(ctx context.Context, key Key, ops []Op, opts UpdateOptions) (Item, error) {
	mu := t.stripe(key.Partition)
	mu.Lock()
	defer mu.Unlock()

	old, err := t.readItem(key)
	if err != nil {
		return nil, err
	}
	if old == nil && opts.MustExist {
		return nil, ErrConflict
	}
	if opts.ExpectAttr != "" {
		var cur string
		if old != nil {
			cur = old.String(opts.ExpectAttr)
		}
		if cur != opts.ExpectValue {
			return nil, ErrConflict
		}
	}

	next := old.Clone()
	if next == nil {
		next = Item{}
	}
	for _, op := range ops {
		applyOp(next, op)
	}

	kind := ChangeModify
	if old == nil {
		kind = ChangeInsert
	}
	if err := t.writeLocked(ctx, key, next, kind); err != nil {
		return nil, err
	}
	if opts.ReturnOld {
		return old, nil
	}
	return nil, nil
}

func applyOp(it Item, op Op) {
	switch op.Kind {
	case OpAdd:
		cur, ok := it[op.Name]
		switch {
		case op.Value.Kind == KindNumber:
			if ok && cur.Kind == KindNumber {
				it[op.Name] = N(cur.Num + op.Value.Num)
			} else {
				it[op.Name] = op.Value
			}
		default:
			if ok && cur.Kind == KindStringSet {
				it[op.Name] = SS(append(append([]string(nil), cur.Set...), op.Value.Set...)...)
			} else {
				it[op.Name] = SS(op.Value.Set...)
			}
		}
	case OpDelete:
		cur, ok := it[op.Name]
		if !ok || cur.Kind != KindStringSet {
			return
		}
		drop := make(map[string]struct{}, len(op.Value.Set))
		for _, m := range op.Value.Set {
			drop[m] = struct{}{}
		}
		kept := make([]string, 0, len(cur.Set))
		for _, m := range cur.Set {
			if _, gone := drop[m]; !gone {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			// Empty sets are not stored, matching set-attribute semantics.
			delete(it, op.Name)
			return
		}
		it[op.Name] = SS(kept...)
	case OpSet:
		it[op.Name] = op.Value
	case OpRemove:
		delete(it, op.Name)
	}
}

// Delete unconditionally removes the row at key, optionally returning the old
// row. Deleting an absent row is not an error.
func (t *Table) Delete(ctx context.Context, key Key, returnOld bool) (Item, error) {
	mu := t.stripe(key.Partition)
	mu.Lock()
	defer mu.Unlock()

	old, err := t.readItem(key)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, nil
	}
	if err := t.writeLocked(ctx, key, nil, ChangeRemove); err != nil {
		return nil, err
	}
	if returnOld {
		return old, nil
	}
	return nil, nil
}

// Row is a key/item pair returned by queries.
type Row struct {
	Key  Key
	Item Item
}

// QueryOptions shapes a Query.
type QueryOptions struct {
	// SortPrefix restricts results to sort keys with this prefix.
	SortPrefix string
	// Limit caps the result count; 0 means no cap.
	Limit int
	// Reverse scans sort keys descending (newest-first for ordered ids).
	Reverse bool
}

// Query returns rows under the partition whose sort key matches the prefix,
// ordered by sort key. Expired rows are skipped.
func (t *Table) Query(ctx context.Context, partition string, opts QueryOptions) ([]Row, error) {
	low := itemPrefix(t.name, partition, opts.SortPrefix)
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: prefixUpperBound(low)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Row
	advance := iter.Next
	ok := iter.First()
	if opts.Reverse {
		advance = iter.Prev
		ok = iter.Last()
	}
	for ; ok && (opts.Limit <= 0 || len(out) < opts.Limit); ok = advance() {
		key, valid := splitItemKey(t.name, iter.Key())
		if !valid {
			continue
		}
		var it Item
		if err := json.Unmarshal(iter.Value(), &it); err != nil {
			return nil, fmt.Errorf("table: corrupt row %s: %w", key, err)
		}
		if t.expired(it) {
			continue
		}
		out = append(out, Row{Key: key, Item: it})
	}
	return out, nil
}
