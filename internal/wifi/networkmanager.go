package wifi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// NetworkManager D-Bus names.
const (
	nmBus            = "org.freedesktop.NetworkManager"
	nmPath           = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface          = "org.freedesktop.NetworkManager"
	nmActiveIface    = "org.freedesktop.NetworkManager.Connection.Active"
	nmWirelessIface  = "org.freedesktop.NetworkManager.Device.Wireless"
	nmAPIface        = "org.freedesktop.NetworkManager.AccessPoint"
	nmSettingsIface  = "org.freedesktop.NetworkManager.Settings.Connection"
	noObject         = dbus.ObjectPath("/")
	stateChangedName = nmActiveIface + ".StateChanged"
)

// ActiveState mirrors NMActiveConnectionState.
type ActiveState uint32

const (
	StateUnknown ActiveState = iota
	StateActivating
	StateActivated
	StateDeactivating
	StateDeactivated
)

func (s ActiveState) String() string {
	switch s {
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateDeactivating:
		return "deactivating"
	case StateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// Activation identifies a connection profile and its active connection.
type Activation struct {
	Connection dbus.ObjectPath
	Active     dbus.ObjectPath
}

// Manager is the slice of NetworkManager the data link needs.
type Manager interface {
	// Activate adds the profile and activates it on the named interface.
	Activate(iface string, settings Settings) (Activation, error)
	// State returns the current state of an active connection.
	State(a Activation) (ActiveState, error)
	// Watch streams state changes of an active connection until ctx is done.
	Watch(ctx context.Context, a Activation) (<-chan ActiveState, error)
	// BSSID returns the hardware address of the access point the interface
	// is associated with, or "" if none.
	BSSID(iface string) (string, error)
	// Deactivate tears the connection down and deletes the profile.
	Deactivate(a Activation) error
}

// DBusManager talks to NetworkManager on the system bus.
type DBusManager struct {
	conn *dbus.Conn
}

// NewDBusManager connects to the system bus. The connection is shared with
// the rest of the process and is not closed.
func NewDBusManager() (*DBusManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("wifi: connect system bus: %w", err)
	}
	return &DBusManager{conn: conn}, nil
}

var _ Manager = (*DBusManager)(nil)

func (m *DBusManager) device(iface string) (dbus.ObjectPath, error) {
	var dev dbus.ObjectPath
	call := m.conn.Object(nmBus, nmPath).Call(nmIface+".GetDeviceByIpIface", 0, iface)
	if err := call.Store(&dev); err != nil {
		return "", fmt.Errorf("wifi: find device %s: %w", iface, err)
	}
	return dev, nil
}

func (m *DBusManager) Activate(iface string, settings Settings) (Activation, error) {
	dev, err := m.device(iface)
	if err != nil {
		return Activation{}, err
	}

	var a Activation
	call := m.conn.Object(nmBus, nmPath).Call(nmIface+".AddAndActivateConnection", 0,
		map[string]map[string]dbus.Variant(settings), dev, noObject)
	if err := call.Store(&a.Connection, &a.Active); err != nil {
		return Activation{}, fmt.Errorf("wifi: activate on %s: %w", iface, err)
	}
	return a, nil
}

func (m *DBusManager) State(a Activation) (ActiveState, error) {
	state, err := getProperty[uint32](m.conn, a.Active, nmActiveIface, "State")
	if err != nil {
		// The object disappears once the connection is fully down.
		return StateDeactivated, nil
	}
	return ActiveState(state), nil
}

func (m *DBusManager) Watch(ctx context.Context, a Activation) (<-chan ActiveState, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(a.Active),
		dbus.WithMatchInterface(nmActiveIface),
		dbus.WithMatchMember("StateChanged"),
	}
	if err := m.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("wifi: watch %s: %w", a.Active, err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	m.conn.Signal(sigCh)
	out := make(chan ActiveState, 4)

	go func() {
		defer close(out)
		defer func() {
			m.conn.RemoveSignal(sigCh)
			if err := m.conn.RemoveMatchSignal(opts...); err != nil {
				slog.Debug("[WIFI] remove signal match", "error", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != a.Active || sig.Name != stateChangedName || len(sig.Body) < 1 {
					continue
				}
				state, ok := sig.Body[0].(uint32)
				if !ok {
					continue
				}
				select {
				case out <- ActiveState(state):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *DBusManager) BSSID(iface string) (string, error) {
	dev, err := m.device(iface)
	if err != nil {
		return "", err
	}
	ap, err := getProperty[dbus.ObjectPath](m.conn, dev, nmWirelessIface, "ActiveAccessPoint")
	if err != nil {
		return "", fmt.Errorf("wifi: active access point: %w", err)
	}
	if ap == noObject || ap == "" {
		return "", nil
	}
	hw, err := getProperty[string](m.conn, ap, nmAPIface, "HwAddress")
	if err != nil {
		return "", fmt.Errorf("wifi: access point address: %w", err)
	}
	return hw, nil
}

func (m *DBusManager) Deactivate(a Activation) error {
	if a.Active != "" {
		call := m.conn.Object(nmBus, nmPath).Call(nmIface+".DeactivateConnection", 0, a.Active)
		if call.Err != nil {
			slog.Debug("[WIFI] deactivate", "active", a.Active, "error", call.Err)
		}
	}
	if a.Connection == "" {
		return nil
	}
	if call := m.conn.Object(nmBus, a.Connection).Call(nmSettingsIface+".Delete", 0); call.Err != nil {
		return fmt.Errorf("wifi: delete profile %s: %w", a.Connection, call.Err)
	}
	return nil
}

// getProperty reads a typed NetworkManager property.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(nmBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
