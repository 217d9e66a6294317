package checkpoint

import (
	"sync/atomic"

	"regionsync/internal/domain"
)

// Watermarks holds, per ordering queue, the highest stream position per shard below which
// the queue has nothing left to apply. Each slot has a single writer (its queue, under the
// queue lock); readers see immutable copies.
type Watermarks struct {
	slots []atomic.Pointer[domain.StreamPosition]
}

func NewWatermarks(queues int) *Watermarks {
	w := &Watermarks{slots: make([]atomic.Pointer[domain.StreamPosition], queues)}
	for i := range w.slots {
		empty := domain.StreamPosition{}
		w.slots[i].Store(&empty)
	}
	return w
}

func (w *Watermarks) Len() int { return len(w.slots) }

// Advance raises the mark of queue for shard. Lower positions are ignored.
func (w *Watermarks) Advance(queue int, shard domain.ShardID, pos uint64) {
	cur := *w.slots[queue].Load()
	if have, ok := cur[shard]; ok && have >= pos {
		return
	}
	next := cur.Clone()
	next[shard] = pos
	w.slots[queue].Store(&next)
}

// AdvanceAll raises the mark of queue for every shard in pos.
func (w *Watermarks) AdvanceAll(queue int, pos domain.StreamPosition) {
	cur := *w.slots[queue].Load()
	var next domain.StreamPosition
	for shard, p := range pos {
		if have, ok := cur[shard]; ok && have >= p {
			continue
		}
		if next == nil {
			next = cur.Clone()
		}
		next[shard] = p
	}
	if next != nil {
		w.slots[queue].Store(&next)
	}
}

func (w *Watermarks) Slot(queue int) domain.StreamPosition {
	return w.slots[queue].Load().Clone()
}

// Min returns, for every shard known to some queue, the lowest mark across all queues.
// A shard missing from any queue is reported as unready.
func (w *Watermarks) Min() (low domain.StreamPosition, unready []domain.ShardID) {
	low = domain.StreamPosition{}
	seen := map[domain.ShardID]int{}
	for i := range w.slots {
		for shard, p := range *w.slots[i].Load() {
			seen[shard]++
			if cur, ok := low[shard]; !ok || p < cur {
				low[shard] = p
			}
		}
	}
	for shard, n := range seen {
		if n < len(w.slots) {
			unready = append(unready, shard)
			delete(low, shard)
		}
	}
	return low, unready
}

// Covers reports whether every queue has applied everything up to candidate. It returns
// the first shard that is still behind.
func (w *Watermarks) Covers(candidate domain.StreamPosition) (bool, domain.ShardID) {
	for _, shard := range candidate.Shards() {
		want := candidate[shard]
		for i := range w.slots {
			have, ok := (*w.slots[i].Load())[shard]
			if !ok || have < want {
				return false, shard
			}
		}
	}
	return true, 0
}
