// Package crdt implements the multi-region counter: a map from signed region id to the
// partial count contributed by that region. A positive key carries increments, the negated
// key carries decrements.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"regionsync/internal/domain"
)

var ErrUntranslatable = errors.New("counter entry has no region translation")

type Counter map[domain.RegionID]int64

// TranslateFunc maps an unsigned source region id to the target numbering.
type TranslateFunc func(domain.RegionID) (domain.RegionID, error)

func (c Counter) Value() int64 {
	var v int64
	for id, n := range c {
		if id < 0 {
			v -= n
		} else {
			v += n
		}
	}
	return v
}

func (c Counter) Clone() Counter {
	out := make(Counter, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// MergeTranslated inserts every entry of src into c after translating its region id.
// The sign of each key is preserved. Any failed translation aborts the merge and leaves c
// untouched.
func (c Counter) MergeTranslated(src Counter, fn TranslateFunc) error {
	staged := make(Counter, len(src))
	for signed, n := range src {
		id, neg := signed, false
		if id < 0 {
			id, neg = -id, true
		}
		tid, err := fn(id)
		if err != nil {
			return fmt.Errorf("%w: region %d: %v", ErrUntranslatable, id, err)
		}
		if !tid.Valid() {
			return fmt.Errorf("%w: region %d translated to %d", ErrUntranslatable, id, tid)
		}
		if neg {
			tid = -tid
		}
		staged[tid] = n
	}
	for k, v := range staged {
		c[k] = v
	}
	return nil
}

// Join merges o into c keeping the larger partial count per entry. Partial counts only
// grow within their owning region, so the max is the most recent.
func (c Counter) Join(o Counter) {
	for k, v := range o {
		if cur, ok := c[k]; !ok || v > cur {
			c[k] = v
		}
	}
}

func (c Counter) Equal(o Counter) bool {
	if len(c) != len(o) {
		return false
	}
	for k, v := range c {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (c Counter) String() string {
	keys := make([]int, 0, len(c))
	for k := range c {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	s := "{"
	for i, k := range keys {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%+d:%d", k, c[domain.RegionID(k)])
	}
	return s + "}"
}

// MarshalJSON renders the counter as its value; the entries travel separately.
func (c Counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value())
}

// Entries is the wire form used where the per-region entries must survive.
func (c Counter) Entries() map[string]int64 {
	out := make(map[string]int64, len(c))
	for k, v := range c {
		out[fmt.Sprint(int(k))] = v
	}
	return out
}

func FromEntries(in map[string]int64) (Counter, error) {
	out := make(Counter, len(in))
	for k, v := range in {
		var id int
		if _, err := fmt.Sscan(k, &id); err != nil {
			return nil, fmt.Errorf("counter entry key %q: %w", k, err)
		}
		if id == 0 {
			return nil, fmt.Errorf("counter entry key %q: region id 0", k)
		}
		if v < 0 {
			return nil, fmt.Errorf("counter entry %q: negative partial count %d", k, v)
		}
		out[domain.RegionID(id)] = v
	}
	return out, nil
}
