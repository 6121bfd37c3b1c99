package protocol

import (
	"encoding/xml"
	"fmt"

	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

const interfaceXML = `<node>
  <interface name="org.mpris.MediaPlayer2">
    <method name="Raise"/>
    <method name="Quit"/>
    <property name="CanQuit" type="b" access="read"/>
    <property name="Fullscreen" type="b" access="readwrite"/>
    <property name="CanSetFullscreen" type="b" access="read"/>
    <property name="CanRaise" type="b" access="read"/>
    <property name="HasTrackList" type="b" access="read"/>
    <property name="Identity" type="s" access="read"/>
    <property name="DesktopEntry" type="s" access="read"/>
    <property name="SupportedUriSchemes" type="as" access="read"/>
    <property name="SupportedMimeTypes" type="as" access="read"/>
  </interface>
  <interface name="org.mpris.MediaPlayer2.Player">
    <method name="Next"/>
    <method name="Previous"/>
    <method name="Pause"/>
    <method name="PlayPause"/>
    <method name="Stop"/>
    <method name="Play"/>
    <method name="Seek">
      <arg direction="in" type="x" name="Offset"/>
    </method>
    <method name="SetPosition">
      <arg direction="in" type="o" name="TrackId"/>
      <arg direction="in" type="x" name="Position"/>
    </method>
    <method name="OpenUri">
      <arg direction="in" type="s" name="Uri"/>
    </method>
    <signal name="Seeked">
      <arg type="x" name="Position"/>
    </signal>
    <property name="PlaybackStatus" type="s" access="read"/>
    <property name="LoopStatus" type="s" access="readwrite"/>
    <property name="Rate" type="d" access="readwrite"/>
    <property name="Shuffle" type="b" access="readwrite"/>
    <property name="Metadata" type="a{sv}" access="read"/>
    <property name="Volume" type="d" access="readwrite"/>
    <property name="Position" type="x" access="read"/>
    <property name="MinimumRate" type="d" access="read"/>
    <property name="MaximumRate" type="d" access="read"/>
    <property name="CanGoNext" type="b" access="read"/>
    <property name="CanGoPrevious" type="b" access="read"/>
    <property name="CanPlay" type="b" access="read"/>
    <property name="CanPause" type="b" access="read"/>
    <property name="CanSeek" type="b" access="read"/>
    <property name="CanControl" type="b" access="read"/>
  </interface>
  <interface name="io.github.mprisproxy.Daemon">
    <method name="Shift">
      <arg direction="out" type="s" name="Player"/>
    </method>
    <method name="Unshift">
      <arg direction="out" type="s" name="Player"/>
    </method>
    <property name="PlayerNames" type="as" access="read"/>
    <signal name="ActivePlayerChangeBegin">
      <arg type="s" name="Name"/>
    </signal>
    <signal name="ActivePlayerChangeEnd">
      <arg type="s" name="Name"/>
    </signal>
  </interface>
</node>`

// Description is the parsed interface set the daemon registers at MprisPath.
type Description struct {
	node   introspect.Node
	ifaces map[string]*introspect.Interface
}

// LoadDescription parses the built-in interface description.
func LoadDescription() (*Description, error) {
	return ParseDescription(interfaceXML)
}

// ParseDescription parses an introspection document and checks that the
// root, player and daemon interfaces are all present.
func ParseDescription(data string) (*Description, error) {
	var node introspect.Node
	if err := xml.Unmarshal([]byte(data), &node); err != nil {
		return nil, fmt.Errorf("parse interface description: %w", err)
	}
	node.Interfaces = append(node.Interfaces, introspect.IntrospectData, prop.IntrospectData)

	d := &Description{node: node, ifaces: make(map[string]*introspect.Interface, len(node.Interfaces))}
	for i := range d.node.Interfaces {
		iface := &d.node.Interfaces[i]
		d.ifaces[iface.Name] = iface
	}
	for _, want := range []string{RootInterface, PlayerInterface, DaemonInterface} {
		if _, ok := d.ifaces[want]; !ok {
			return nil, fmt.Errorf("interface description is missing %s", want)
		}
	}
	return d, nil
}

// Interface looks up one interface by name.
func (d *Description) Interface(name string) (*introspect.Interface, bool) {
	iface, ok := d.ifaces[name]
	return iface, ok
}

// Names returns the interface names in document order.
func (d *Description) Names() []string {
	out := make([]string, 0, len(d.node.Interfaces))
	for _, iface := range d.node.Interfaces {
		out = append(out, iface.Name)
	}
	return out
}

// Property returns the declared property, if any.
func (d *Description) Property(iface, name string) (introspect.Property, bool) {
	i, ok := d.ifaces[iface]
	if !ok {
		return introspect.Property{}, false
	}
	for _, p := range i.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return introspect.Property{}, false
}

// PropertyNames lists the declared property names of iface.
func (d *Description) PropertyNames(iface string) []string {
	i, ok := d.ifaces[iface]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(i.Properties))
	for _, p := range i.Properties {
		out = append(out, p.Name)
	}
	return out
}

// XML renders the description as returned by Introspect.
func (d *Description) XML() string {
	b, err := xml.MarshalIndent(d.node, "", "  ")
	if err != nil {
		return introspect.IntrospectDeclarationString + "<node/>"
	}
	return introspect.IntrospectDeclarationString + string(b)
}

// InArgs counts the input arguments of a method.
func InArgs(m introspect.Method) int {
	n := 0
	for _, a := range m.Args {
		if a.Direction == "" || a.Direction == "in" {
			n++
		}
	}
	return n
}
