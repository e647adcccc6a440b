package bluez

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName       = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	propsIface    = "org.freedesktop.DBus.Properties"
	propsSignal   = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objectManager = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"

	dbusName = "org.freedesktop.DBus"
	dbusPath = dbus.ObjectPath("/org/freedesktop/DBus")

	// agentIface is implemented by the companion agent that talks to the
	// watch application on the host's behalf.
	agentIface         = "org.wearlink.Agent1"
	agentMessageSignal = agentIface + ".MessageReceived"
)

// busConn is the slice of a D-Bus connection the transport needs.
type busConn interface {
	// Call invokes method on dest at path and returns the reply body.
	Call(dest string, path dbus.ObjectPath, method string, args ...any) ([]any, error)

	// Signals adds the match rules and returns the signal channel. The
	// channel is closed when the connection closes.
	Signals(rules ...string) (<-chan *dbus.Signal, error)

	Close() error
}

// systemBus is a busConn on the system D-Bus.
type systemBus struct {
	conn *dbus.Conn
}

func dialSystemBus() (busConn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &systemBus{conn: conn}, nil
}

func (b *systemBus) Call(dest string, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	call := b.conn.Object(dest, path).Call(method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

func (b *systemBus) Signals(rules ...string) (<-chan *dbus.Signal, error) {
	for _, rule := range rules {
		if err := b.conn.BusObject().Call(dbusName+".AddMatch", 0, rule).Err; err != nil {
			return nil, fmt.Errorf("add match %q: %w", rule, err)
		}
	}
	ch := make(chan *dbus.Signal, 64)
	b.conn.Signal(ch)
	return ch, nil
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}

// peerID turns "AA:BB:CC:DD:EE:FF" into its 48-bit integer value.
func peerID(mac string) (uint64, error) {
	hex := strings.ReplaceAll(mac, ":", "")
	if len(hex) != 12 {
		return 0, fmt.Errorf("invalid address %q", mac)
	}
	id, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", mac, err)
	}
	return id, nil
}

// macFromID is the inverse of peerID.
func macFromID(id uint64) string {
	var parts [6]string
	for i := range parts {
		parts[i] = fmt.Sprintf("%02X", (id>>(8*(5-i)))&0xff)
	}
	return strings.Join(parts[:], ":")
}

// deviceObjectPath converts a MAC address to its BlueZ object path under
// adapterPath.
func deviceObjectPath(adapterPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(adapterPath + "/dev_" + strings.ReplaceAll(mac, ":", "_"))
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func macFromPath(adapterPath string, path dbus.ObjectPath) string {
	s := string(path)
	prefix := adapterPath + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

func variantBool(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func variantString(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
