package table

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind enumerates the attribute types the table stores.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindStringSet
)

// Value is a single typed attribute. Sets are always surfaced to callers as
// plain string slices; the at-rest representation never leaks out of this
// package.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Set  []string
}

// S builds a string value.
func S(s string) Value { return Value{Kind: KindString, Str: s} }

// N builds a number value.
func N(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// SS builds a string-set value. Members are deduplicated and sorted so equal
// sets have equal encodings.
func SS(members ...string) Value {
	return Value{Kind: KindStringSet, Set: normalizeSet(members)}
}

func normalizeSet(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether a string-set value holds member.
func (v Value) Contains(member string) bool {
	for _, m := range v.Set {
		if m == member {
			return true
		}
	}
	return false
}

type valueJSON struct {
	S  *string   `json:"s,omitempty"`
	N  *float64  `json:"n,omitempty"`
	SS *[]string `json:"ss,omitempty"`
}

// MarshalJSON encodes the value as a one-field object keyed by type.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(valueJSON{S: &v.Str})
	case KindNumber:
		return json.Marshal(valueJSON{N: &v.Num})
	case KindStringSet:
		set := v.Set
		if set == nil {
			set = []string{}
		}
		return json.Marshal(valueJSON{SS: &set})
	}
	return nil, fmt.Errorf("table: unknown value kind %d", v.Kind)
}

// UnmarshalJSON decodes the at-rest representation.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw valueJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.S != nil:
		*v = Value{Kind: KindString, Str: *raw.S}
	case raw.N != nil:
		*v = Value{Kind: KindNumber, Num: *raw.N}
	case raw.SS != nil:
		*v = Value{Kind: KindStringSet, Set: normalizeSet(*raw.SS)}
	default:
		return fmt.Errorf("table: cannot decode value %s", string(b))
	}
	return nil
}

// Item is one row: attribute name to typed value. The partition and sort key
// live beside the item in Key, not inside it.
type Item map[string]Value

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		if v.Kind == KindStringSet {
			v.Set = append([]string(nil), v.Set...)
		}
		out[k] = v
	}
	return out
}

// String returns the string attribute named name, or "".
func (it Item) String(name string) string { return it[name].Str }

// Number returns the numeric attribute named name, or 0.
func (it Item) Number(name string) float64 { return it[name].Num }

// Set returns the string-set attribute named name, or nil.
func (it Item) Set(name string) []string { return it[name].Set }

// Key is the two-string composite key of a row.
type Key struct {
	Partition string
	Sort      string
}

func (k Key) String() string { return k.Partition + "/" + k.Sort }
