package wifi

import (
	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/probelink/internal/ble/protocol"
)

// Settings is a NetworkManager connection settings dictionary (a{sa{sv}}).
type Settings map[string]map[string]dbus.Variant

// connectionIDPrefix marks connection profiles created by this program so
// they can be told apart from user profiles.
const connectionIDPrefix = "probelink-"

// ConnectionSettings builds a temporary, non-autoconnecting WPA-PSK profile
// for the probe's access point. When networkID parses as a hardware address
// the profile is locked to that BSSID.
func ConnectionSettings(creds protocol.Credentials, networkID string) Settings {
	wireless := map[string]dbus.Variant{
		"ssid": dbus.MakeVariant([]byte(creds.SSID)),
		"mode": dbus.MakeVariant("infrastructure"),
	}
	if networkID != "" {
		if hw, err := protocol.ParseAddress(networkID); err == nil {
			wireless["bssid"] = dbus.MakeVariant([]byte(hw))
		}
	}

	s := Settings{
		"connection": {
			"id":          dbus.MakeVariant(connectionIDPrefix + creds.SSID),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": wireless,
		"ipv4":            {"method": dbus.MakeVariant("auto")},
		"ipv6":            {"method": dbus.MakeVariant("ignore")},
	}
	if creds.Passphrase != "" {
		wireless["security"] = dbus.MakeVariant("802-11-wireless-security")
		s["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(creds.Passphrase),
		}
	}
	return s
}
