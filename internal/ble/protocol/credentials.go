// Package protocol implements the payload formats exchanged with a probe over
// the BLE control link: network credentials, power state, and the network
// identifier inferred from the probe's BLE address.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// JoinStateConnected is the join state a probe publishes once its access
// point is up and accepting clients.
const JoinStateConnected = "connected"

// Credential payload keys, in encoding order.
const (
	keyState       = "state"
	keyIPAddr      = "ip4"
	keySSID        = "ssid"
	keyPassphrase  = "pw"
	keyControlPort = "ctl"
	keyCastPort    = "cast"
)

// Credentials is the network information a probe publishes on its
// network-info characteristic. Values are immutable once decoded; a newer
// payload replaces the whole record.
type Credentials struct {
	State       string
	SSID        string
	Passphrase  string
	NetworkID   string // access point BSSID, not part of the wire format
	IPAddr      string
	ControlPort int
	CastPort    int
}

// Ready reports whether the probe says its network is up.
func (c *Credentials) Ready() bool {
	return c != nil && c.State == JoinStateConnected
}

// HasSessionEndpoint reports whether both the IP address and control port
// needed to open a device session are known.
func (c *Credentials) HasSessionEndpoint() bool {
	return c != nil && c.IPAddr != "" && c.ControlPort > 0
}

// String renders the credentials for logs with the passphrase masked.
func (c Credentials) String() string {
	pw := ""
	if c.Passphrase != "" {
		pw = "***"
	}
	return fmt.Sprintf("state=%s ssid=%s pw=%s ip4=%s ctl=%d cast=%d",
		c.State, c.SSID, pw, c.IPAddr, c.ControlPort, c.CastPort)
}

// DecodeCredentials parses a newline-delimited "key: value" payload.
//
// Lines without a colon are skipped, unknown keys are ignored, and port
// values that are not base-10 integers leave the port at zero. Decoding
// never fails: a probe that publishes a partial payload yields a partial
// record.
func DecodeCredentials(payload string) Credentials {
	var c Credentials
	for _, line := range strings.Split(payload, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}

		switch key {
		case keyState:
			c.State = value
		case keyIPAddr:
			c.IPAddr = value
		case keySSID:
			c.SSID = value
		case keyPassphrase:
			c.Passphrase = value
		case keyControlPort:
			if n, err := strconv.Atoi(value); err == nil {
				c.ControlPort = n
			}
		case keyCastPort:
			if n, err := strconv.Atoi(value); err == nil {
				c.CastPort = n
			}
		}
	}
	return c
}

// EncodeCredentials is the inverse of DecodeCredentials. Empty strings and
// zero ports are omitted.
func EncodeCredentials(c Credentials) string {
	var lines []string
	add := func(key, value string) {
		if value != "" {
			lines = append(lines, key+": "+value)
		}
	}
	addPort := func(key string, port int) {
		if port != 0 {
			lines = append(lines, key+": "+strconv.Itoa(port))
		}
	}

	add(keyState, c.State)
	add(keyIPAddr, c.IPAddr)
	add(keySSID, c.SSID)
	add(keyPassphrase, c.Passphrase)
	addPort(keyControlPort, c.ControlPort)
	addPort(keyCastPort, c.CastPort)
	return strings.Join(lines, "\n")
}
