package types

import "strings"

// MprisPrefix is the well-known name prefix shared by every MPRIS player.
const MprisPrefix = "org.mpris.MediaPlayer2."

// PeerIdentity identifies one controllable player on one bus.
type PeerIdentity struct {
	LocalID string   // well-known name without MprisPrefix, e.g. "vlc.instance42"
	Source  BusScope // bus the name was seen on
	Owner   string   // current unique connection name, changes across restarts
}

// Equal reports whether both identities name the same player. Owner is ignored.
func (p PeerIdentity) Equal(o PeerIdentity) bool {
	return p.LocalID == o.LocalID && p.Source == o.Source
}

// Name returns the player name, which is LocalID up to the first dot.
func (p PeerIdentity) Name() string {
	if i := strings.IndexByte(p.LocalID, '.'); i >= 0 {
		return p.LocalID[:i]
	}
	return p.LocalID
}

// BusName returns the full well-known name.
func (p PeerIdentity) BusName() string {
	return MprisPrefix + p.LocalID
}

func (p PeerIdentity) String() string {
	return p.LocalID + "@" + p.Source.String()
}
