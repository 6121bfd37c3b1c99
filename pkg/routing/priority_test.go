package routing

import (
	"testing"

	"github.com/mpris-proxy/pkg/types"
)

func TestParsePriority(t *testing.T) {
	cmp := ParsePriority(" vlc , mpd,%any, firefox ")
	if cmp == nil {
		t.Fatalf("expected a comparator")
	}
	vlc2 := types.PeerIdentity{LocalID: "vlc.instance2", Source: types.ScopeSession}
	cases := []struct {
		a, b string
		less bool
	}{
		{"vlc", "mpd", true},
		{"mpd", "spotify", true},
		{"spotify", "firefox", true},
		{"firefox", "vlc", false},
	}
	for _, c := range cases {
		got := cmp(peer(c.a), peer(c.b)) < 0
		if got != c.less {
			t.Fatalf("cmp(%s, %s) < 0 = %t, want %t", c.a, c.b, got, c.less)
		}
	}
	if cmp(vlc2, peer("mpd")) >= 0 {
		t.Fatalf("vlc instances should rank like vlc")
	}
	if cmp(peer("spotify"), peer("chromium")) != 0 {
		t.Fatalf("unlisted players should tie")
	}
}

func TestParsePriorityWithoutAny(t *testing.T) {
	cmp := ParsePriority("spotify.instance1")
	exact := types.PeerIdentity{LocalID: "spotify.instance1", Source: types.ScopeSession}
	other := types.PeerIdentity{LocalID: "spotify.instance2", Source: types.ScopeSession}
	if cmp(exact, other) >= 0 {
		t.Fatalf("exact instance should rank first")
	}
	if cmp(other, peer("spotify")) != 0 {
		t.Fatalf("other instances are unlisted and should tie")
	}
}

func TestParsePriorityEmpty(t *testing.T) {
	if ParsePriority("") != nil || ParsePriority(" , ,") != nil {
		t.Fatalf("empty list should yield a nil comparator")
	}
}
