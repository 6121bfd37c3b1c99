package protocol

import (
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/types"
)

const (
	MprisPath = dbus.ObjectPath("/org/mpris/MediaPlayer2")

	RootInterface           = "org.mpris.MediaPlayer2"
	PlayerInterface         = "org.mpris.MediaPlayer2.Player"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	DaemonInterface         = "io.github.mprisproxy.Daemon"

	// DefaultAggregator is the suffix the daemon claims under the MPRIS prefix.
	DefaultAggregator = "mprisproxy"
	instanceMarker    = ".instance"

	BusDaemonName      = "org.freedesktop.DBus"
	BusDaemonPath      = dbus.ObjectPath("/org/freedesktop/DBus")
	BusDaemonInterface = "org.freedesktop.DBus"
	NameOwnerChanged   = "NameOwnerChanged"
	NameLostSignal     = BusDaemonInterface + ".NameLost"
	NameAcquiredSignal = BusDaemonInterface + ".NameAcquired"

	PropertiesChanged = "PropertiesChanged"
	PropertiesGet     = "Get"
	PropertiesGetAll  = "GetAll"
	PropertiesSet     = "Set"

	MethodShift         = "Shift"
	MethodUnshift       = "Unshift"
	PropertyPlayerNames = "PlayerNames"
	PropertyPosition    = "Position"
	SignalChangeBegin   = "ActivePlayerChangeBegin"
	SignalChangeEnd     = "ActivePlayerChangeEnd"
)

// Error names replied to callers.
const (
	ErrNoActivePlayer = DaemonInterface + ".NoActivePlayer"
	ErrInvalidMethod  = DaemonInterface + ".InvalidMethod"
	ErrFailed         = "org.freedesktop.DBus.Error.Failed"
	ErrTimeout        = "org.freedesktop.DBus.Error.Timeout"
	ErrNoReply        = "org.freedesktop.DBus.Error.NoReply"
	ErrUnknownProp    = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrPropReadOnly   = "org.freedesktop.DBus.Error.PropertyReadOnly"

	NoActivePlayerMessage = "No player is being controlled by mpris-proxy"
	FallbackErrorMessage  = "Failed to call method"
)

// CanonicalName returns the well-known name the daemon tries first.
func CanonicalName(aggregator string) string {
	if aggregator == "" {
		aggregator = DefaultAggregator
	}
	return types.MprisPrefix + aggregator
}

// FallbackName returns the per-process name used when the canonical one is taken.
func FallbackName(aggregator string, pid int) string {
	return CanonicalName(aggregator) + instanceMarker + strconv.Itoa(pid)
}

// LocalIDFromBusName strips the MPRIS prefix from a well-known name.
func LocalIDFromBusName(name string) (string, bool) {
	if !strings.HasPrefix(name, types.MprisPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, types.MprisPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// IsAggregatorName reports whether localID belongs to a daemon instance
// (canonical or fallback) rather than a real player.
func IsAggregatorName(localID, aggregator string) bool {
	if aggregator == "" {
		aggregator = DefaultAggregator
	}
	return localID == aggregator || strings.HasPrefix(localID, aggregator+".")
}

// SplitMember splits "iface.Member" into its interface and member parts.
func SplitMember(name string) (iface, member string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// RelaysSignal reports whether signals on iface are re-emitted by the daemon.
func RelaysSignal(iface string) bool {
	return iface == PlayerInterface || iface == PropertiesInterface
}
