package routing

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/mpris-proxy/pkg/types"
)

func peer(id string) types.PeerIdentity {
	return types.PeerIdentity{LocalID: id, Source: types.ScopeSession, Owner: ":1." + id}
}

func order(q *Queue) string {
	ids := make([]string, 0, q.Len())
	for _, p := range q.Snapshot() {
		ids = append(ids, p.LocalID)
	}
	return strings.Join(ids, ",")
}

func TestQueueInsertAtHeadAndDedup(t *testing.T) {
	q := NewQueue(nil)
	if !q.Insert(peer("mpc")) {
		t.Fatalf("first insert should succeed")
	}
	if !q.Insert(peer("spotify")) {
		t.Fatalf("second insert should succeed")
	}
	dup := peer("mpc")
	dup.Owner = ":1.999"
	if q.Insert(dup) {
		t.Fatalf("insert of an equal identity must be a no-op")
	}
	if got := order(q); got != "spotify,mpc" {
		t.Fatalf("order = %s, want spotify,mpc", got)
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue(nil)
	for _, id := range []string{"a", "b", "c"} {
		q.Insert(peer(id))
	}
	if !q.Remove(peer("c")) {
		t.Fatalf("remove of head should succeed")
	}
	head, ok := q.Head()
	if !ok || head.LocalID != "b" {
		t.Fatalf("head after removing c = %v, %t; want b", head, ok)
	}
	if q.Remove(peer("zzz")) {
		t.Fatalf("remove of absent peer should report false")
	}
	q.Remove(peer("b"))
	q.Remove(peer("a"))
	if _, ok := q.Head(); ok || q.Len() != 0 {
		t.Fatalf("queue should be empty, got %s", order(q))
	}
}

func TestQueuePromoteToHead(t *testing.T) {
	q := NewQueue(nil)
	q.Insert(peer("a"))
	q.Insert(peer("b"))
	if !q.PromoteToHead(peer("a")) {
		t.Fatalf("promote should succeed")
	}
	if got := order(q); got != "a,b" {
		t.Fatalf("order = %s, want a,b", got)
	}
	q.Insert(peer("c"))
	q.PromoteToHead(peer("b"))
	if got := order(q); got != "b,c,a" {
		t.Fatalf("order = %s, want b,c,a", got)
	}
	if q.PromoteToHead(peer("missing")) {
		t.Fatalf("promote of absent peer should be a no-op")
	}
}

func TestQueueComparatorTiesFavorPromoted(t *testing.T) {
	q := NewQueue(ParsePriority("spotify,%any"))
	for _, id := range []string{"mpd", "vlc", "spotify", "mpv"} {
		q.Insert(peer(id))
	}
	if got := order(q); got != "spotify,mpv,vlc,mpd" {
		t.Fatalf("order = %s, want spotify,mpv,vlc,mpd", got)
	}
	q.PromoteToHead(peer("mpd"))
	if got := order(q); got != "spotify,mpd,mpv,vlc" {
		t.Fatalf("order = %s, want spotify,mpd,mpv,vlc", got)
	}
	q.SetComparator(nil)
	q.PromoteToHead(peer("vlc"))
	if got := order(q); got != "vlc,spotify,mpd,mpv" {
		t.Fatalf("order = %s, want vlc,spotify,mpd,mpv", got)
	}
}

func TestQueueRotate(t *testing.T) {
	q := NewQueue(nil)
	for _, id := range []string{"c", "b", "a"} {
		q.Insert(peer(id))
	}
	q.Rotate()
	if got := order(q); got != "b,c,a" {
		t.Fatalf("after Rotate = %s", got)
	}
	q.Unrotate()
	if got := order(q); got != "a,b,c" {
		t.Fatalf("after Unrotate = %s", got)
	}
	single := NewQueue(nil)
	single.Insert(peer("x"))
	if single.Rotate() || single.Unrotate() {
		t.Fatalf("rotating a single element should report false")
	}
}

func TestQueueNeverHoldsDuplicates(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	rng := rand.New(rand.NewSource(1))
	q := NewQueue(nil)
	for i := 0; i < 500; i++ {
		p := peer(ids[rng.Intn(len(ids))])
		switch rng.Intn(3) {
		case 0:
			if q.Insert(p) {
				if head, _ := q.Head(); !head.Equal(p) {
					t.Fatalf("inserted peer %v not at head of %s", p, order(q))
				}
			} else if q.index(p) < 0 {
				t.Fatalf("rejected insert of %v but it is not queued", p)
			}
		case 1:
			q.Remove(p)
			if q.index(p) >= 0 {
				t.Fatalf("removed peer %v still queued", p)
			}
		case 2:
			q.PromoteToHead(p)
		}
		seen := map[string]bool{}
		for _, item := range q.Snapshot() {
			if seen[item.LocalID] {
				t.Fatalf("duplicate %s in %s", item.LocalID, order(q))
			}
			seen[item.LocalID] = true
		}
	}
}

func TestQueueSnapshotIsCopy(t *testing.T) {
	q := NewQueue(nil)
	q.Insert(peer("a"))
	snap := q.Snapshot()
	snap[0].LocalID = "mutated"
	if head, _ := q.Head(); head.LocalID != "a" {
		t.Fatalf("snapshot mutation leaked into the queue")
	}
}
