// Package bluez watches BlueZ adapter power over the system D-Bus and
// reports it as ble.PowerState, so a Linux central can follow the radio
// being switched on and off.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/bluekit/internal/ble"
	"github.com/chaz8081/bluekit/internal/ble/fsm"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	propsIface   = "org.freedesktop.DBus.Properties"
	propsSignal  = "org.freedesktop.DBus.Properties.PropertiesChanged"

	errUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	errUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	errInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
)

// ErrNoBlueZ is returned by Dial when org.bluez is not on the system bus.
var ErrNoBlueZ = errors.New("bluez: org.bluez not found on system bus")

// AdapterPath returns the object path of the named adapter, e.g. hci0.
func AdapterPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + name)
}

// DevicePath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func DevicePath(adapter, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(AdapterPath(adapter)) + "/dev_" + escaped)
}

// AddressFromPath extracts a MAC address from a BlueZ device object path.
func AddressFromPath(adapter string, path dbus.ObjectPath) string {
	prefix := string(AdapterPath(adapter)) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

// Monitor reads and follows the Powered property of one BlueZ adapter.
type Monitor struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// Compile-time check that Monitor implements ble.PowerMonitor.
var _ ble.PowerMonitor = (*Monitor)(nil)

// Dial opens a private system bus connection and checks that BlueZ is
// running.
func Dial(adapter string) (*Monitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, ErrNoBlueZ
	}
	return &Monitor{conn: conn, adapter: AdapterPath(adapter)}, nil
}

// Close releases the bus connection.
func (m *Monitor) Close() error {
	return m.conn.Close()
}

// Powered reads org.bluez.Adapter1.Powered.
func (m *Monitor) Powered() (bool, error) {
	obj := m.conn.Object(busName, m.adapter)
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: property Powered is %s, not bool", v.Signature())
	}
	return val, nil
}

// Watch reports the current power state and then follows PropertiesChanged
// signals on the adapter until ctx is done. It returns once the initial
// state has been delivered.
func (m *Monitor) Watch(ctx context.Context, fn func(ble.PowerState)) error {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(m.adapter),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := m.conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("bluez: add match: %w", err)
	}
	ch := make(chan *dbus.Signal, 16)
	m.conn.Signal(ch)

	powered, err := m.Powered()
	switch {
	case err == nil:
		fn(powerState(powered))
	case isMissingAdapter(err):
		fn(ble.PowerState{Cause: fsm.CauseUnsupported})
	default:
		m.conn.RemoveSignal(ch)
		_ = m.conn.RemoveMatchSignal(match...)
		return fmt.Errorf("bluez: read Powered: %w", err)
	}

	go func() {
		defer func() {
			m.conn.RemoveSignal(ch)
			_ = m.conn.RemoveMatchSignal(match...)
		}()
		follow(ctx, m.adapter, ch, fn)
	}()
	return nil
}

// follow forwards Powered changes from ch until ctx is done or ch closes.
func follow(ctx context.Context, adapter dbus.ObjectPath, ch <-chan *dbus.Signal, fn func(ble.PowerState)) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if powered, ok := poweredChange(sig, adapter); ok {
				fn(powerState(powered))
			}
		}
	}
}

// poweredChange extracts a Powered update for adapter from a
// PropertiesChanged signal.
func poweredChange(sig *dbus.Signal, adapter dbus.ObjectPath) (powered bool, ok bool) {
	if sig == nil || sig.Name != propsSignal || sig.Path != adapter || len(sig.Body) < 2 {
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != adapterIface {
		return false, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, found := changed["Powered"]
	if !found {
		return false, false
	}
	powered, ok = v.Value().(bool)
	return powered, ok
}

func powerState(powered bool) ble.PowerState {
	if powered {
		return ble.PowerState{Powered: true}
	}
	return ble.PowerState{Cause: fsm.CausePoweredOff}
}

// isMissingAdapter reports whether err means the adapter object or its
// Adapter1 interface does not exist.
func isMissingAdapter(err error) bool {
	var name string
	var derr dbus.Error
	var pderr *dbus.Error
	switch {
	case errors.As(err, &derr):
		name = derr.Name
	case errors.As(err, &pderr):
		name = pderr.Name
	default:
		return false
	}
	switch name {
	case errUnknownObject, errUnknownMethod, errInvalidArgs:
		return true
	}
	return false
}
