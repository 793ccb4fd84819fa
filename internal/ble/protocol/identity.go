package protocol

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidAddress is returned for BLE addresses that are not 6-byte MACs.
var ErrInvalidAddress = errors.New("protocol: invalid hardware address")

// ParseAddress parses a colon-separated 6-byte hardware address.
func ParseAddress(address string) (net.HardwareAddr, error) {
	hw, err := net.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("%w: %q has %d bytes", ErrInvalidAddress, address, len(hw))
	}
	return hw, nil
}

// FormatAddress renders a hardware address as upper-case colon-separated hex.
func FormatAddress(hw net.HardwareAddr) string {
	parts := make([]string, len(hw))
	for i, b := range hw {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// InferNetworkID guesses the access point BSSID of a probe from its BLE
// address: probes expose their AP on the address one above the BLE radio.
// No candidate is produced when the last byte is 0xFF or the address is
// invalid. The guess is replaced once the data link reports the real BSSID.
func InferNetworkID(bleAddress string) (string, bool) {
	hw, err := ParseAddress(bleAddress)
	if err != nil {
		return "", false
	}
	if hw[5] == 0xFF {
		return "", false
	}
	id := make(net.HardwareAddr, len(hw))
	copy(id, hw)
	id[5]++
	return FormatAddress(id), true
}
