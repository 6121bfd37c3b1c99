package routing

import (
	"sort"

	"github.com/mpris-proxy/pkg/types"
)

// Comparator orders two players. A negative result sorts a before b.
type Comparator func(a, b types.PeerIdentity) int

// Queue is the ordered, duplicate-free set of known players, head first.
// The head is the player that receives forwarded calls.
//
// Queue is not safe for concurrent use; the daemon mutates it from its
// event loop only and hands out copies via Snapshot.
type Queue struct {
	items []types.PeerIdentity
	cmp   Comparator
}

// NewQueue returns an empty queue. cmp may be nil for pure recency order.
func NewQueue(cmp Comparator) *Queue {
	return &Queue{cmp: cmp}
}

func (q *Queue) index(p types.PeerIdentity) int {
	for i, item := range q.items {
		if item.Equal(p) {
			return i
		}
	}
	return -1
}

// resort applies the comparator. The sort is stable, so an element moved
// to the front stays ahead of everything it compares equal to.
func (q *Queue) resort() {
	if q.cmp == nil || len(q.items) < 2 {
		return
	}
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.cmp(q.items[i], q.items[j]) < 0
	})
}

// moveToFront relocates items[i] to index 0 keeping the order of the rest.
func (q *Queue) moveToFront(i int) {
	if i <= 0 {
		return
	}
	item := q.items[i]
	copy(q.items[1:i+1], q.items[:i])
	q.items[0] = item
}

// Insert adds p at the head unless an equal player is already queued.
func (q *Queue) Insert(p types.PeerIdentity) bool {
	if q.index(p) >= 0 {
		return false
	}
	q.items = append(q.items, types.PeerIdentity{})
	copy(q.items[1:], q.items)
	q.items[0] = p
	q.resort()
	return true
}

// Remove drops p if present.
func (q *Queue) Remove(p types.PeerIdentity) bool {
	i := q.index(p)
	if i < 0 {
		return false
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return true
}

// PromoteToHead moves p to the head. With a comparator set, p ends up
// first among the players it compares equal to.
func (q *Queue) PromoteToHead(p types.PeerIdentity) bool {
	i := q.index(p)
	if i < 0 {
		return false
	}
	q.moveToFront(i)
	q.resort()
	return true
}

// SetComparator replaces the ordering and re-sorts right away.
func (q *Queue) SetComparator(cmp Comparator) {
	q.cmp = cmp
	q.resort()
}

// Rotate moves the head to the tail.
func (q *Queue) Rotate() bool {
	if len(q.items) < 2 {
		return false
	}
	head := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = head
	return true
}

// Unrotate moves the tail to the head.
func (q *Queue) Unrotate() bool {
	if len(q.items) < 2 {
		return false
	}
	q.moveToFront(len(q.items) - 1)
	return true
}

// Head returns the active player.
func (q *Queue) Head() (types.PeerIdentity, bool) {
	if len(q.items) == 0 {
		return types.PeerIdentity{}, false
	}
	return q.items[0], true
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Snapshot returns a copy of the queue in order.
func (q *Queue) Snapshot() []types.PeerIdentity {
	out := make([]types.PeerIdentity, len(q.items))
	copy(out, q.items)
	return out
}
