package persistence

import (
	"container/heap"
)

// pendingItem is one coalesced snapshot, ordered by arrival
type pendingItem struct {
	characterID uint64
	arrival     uint64 // nanoseconds since pipeline start
	snapshot    CharacterStateSnapshot
	index       int
}

// pendingQueue holds the latest non-critical snapshot per character.
//
// It is a binary min-heap on arrival time combined with a map keyed by
// character id, so the oldest entry is found in O(1), popped in O(log n) and a
// character's entry is replaced or removed in O(log n). It is owned by the
// pipeline worker and is not safe for concurrent use.
type pendingQueue struct {
	items []*pendingItem
	byID  map[uint64]*pendingItem
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{
		items: make([]*pendingItem, 0),
		byID:  make(map[uint64]*pendingItem),
	}
}

// heap.Interface

func (q *pendingQueue) Len() int { return len(q.items) }

func (q *pendingQueue) Less(i, j int) bool {
	if q.items[i].arrival != q.items[j].arrival {
		return q.items[i].arrival < q.items[j].arrival
	}
	return q.items[i].characterID < q.items[j].characterID
}

func (q *pendingQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *pendingQueue) Push(x interface{}) {
	it := x.(*pendingItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.byID[it.characterID] = it
}

func (q *pendingQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	delete(q.byID, it.characterID)
	return it
}

// upsert stores snapshot as the character's pending state. A newer snapshot
// replaces the older one and resets its arrival time.
func (q *pendingQueue) upsert(snapshot CharacterStateSnapshot, arrival uint64) {
	if it, ok := q.byID[snapshot.CharacterID]; ok {
		it.snapshot = snapshot
		it.arrival = arrival
		heap.Fix(q, it.index)
		return
	}
	heap.Push(q, &pendingItem{
		characterID: snapshot.CharacterID,
		arrival:     arrival,
		snapshot:    snapshot,
	})
}

// remove drops the pending entry of a character
func (q *pendingQueue) remove(characterID uint64) (CharacterStateSnapshot, bool) {
	it, ok := q.byID[characterID]
	if !ok {
		return CharacterStateSnapshot{}, false
	}
	heap.Remove(q, it.index)
	return it.snapshot, true
}

// peek returns the oldest entry without removing it
func (q *pendingQueue) peek() (*pendingItem, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// popOldest removes up to n entries in arrival order
func (q *pendingQueue) popOldest(n int) []CharacterStateSnapshot {
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]CharacterStateSnapshot, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, heap.Pop(q).(*pendingItem).snapshot)
	}
	return out
}

// popArrivedBefore removes up to n entries that arrived at or before deadline
func (q *pendingQueue) popArrivedBefore(deadline uint64, n int) []CharacterStateSnapshot {
	var out []CharacterStateSnapshot
	for len(out) < n {
		it, ok := q.peek()
		if !ok || it.arrival > deadline {
			break
		}
		out = append(out, heap.Pop(q).(*pendingItem).snapshot)
	}
	return out
}
