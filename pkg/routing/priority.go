package routing

import (
	"strings"

	"github.com/mpris-proxy/pkg/types"
)

// AnyPlayer marks where players not named in a priority list rank.
const AnyPlayer = "%any"

// ParsePriority parses a comma-separated priority list into a Comparator.
//
// Supported entries (comma-separated, earlier wins):
//  1. name            -> matches "name" and any "name.<instance>"
//  2. name.instance   -> matches that exact instance only
//  3. %any            -> rank of every player not otherwise listed
//
// Without %any, unlisted players rank after all listed ones. An empty list
// returns nil, which keeps the queue in pure recency order.
func ParsePriority(s string) Comparator {
	entries := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entries = append(entries, part)
	}
	if len(entries) == 0 {
		return nil
	}

	anyRank := len(entries)
	for i, e := range entries {
		if e == AnyPlayer {
			anyRank = i
			break
		}
	}

	rank := func(p types.PeerIdentity) int {
		for i, e := range entries {
			if e == AnyPlayer {
				continue
			}
			if e == p.LocalID || (!strings.Contains(e, ".") && e == p.Name()) {
				return i
			}
		}
		return anyRank
	}

	return func(a, b types.PeerIdentity) int {
		return rank(a) - rank(b)
	}
}
